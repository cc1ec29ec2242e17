package api

type PredictRequest struct {
	// Image is the base64 encoded image file.
	Image string `json:"image"`
}

type Prediction struct {
	// Image is the predicted label, Normal or Tumor.
	Image string `json:"image"`
}

type TrainParams struct {
	Force bool `schema:"force"`
}

type HealthResponse struct{}
