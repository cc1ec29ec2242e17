package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// MLflowStore talks to an MLflow tracking server over its REST API.
type MLflowStore struct {
	client       *resty.Client
	experimentId string
	opts         Options
}

type mlflowError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (e *mlflowError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Message)
}

type mlflowRunInfo struct {
	RunId        string `json:"run_id"`
	ExperimentId string `json:"experiment_id"`
	RunName      string `json:"run_name"`
	Status       string `json:"status"`
	ArtifactURI  string `json:"artifact_uri"`
}

type mlflowKeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type mlflowMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

func NewMLflowStore(uri string, opts Options) (*MLflowStore, error) {
	client := resty.New().
		SetBaseURL(strings.TrimRight(uri, "/")).
		SetHeader("Content-Type", "application/json").
		SetError(&mlflowError{}).
		SetTimeout(60 * time.Second)
	if opts.Username != "" || opts.Password != "" {
		client.SetBasicAuth(opts.Username, opts.Password)
	}

	store := &MLflowStore{client: client, opts: opts}

	id, err := store.experimentID(context.Background(), opts.experiment())
	if err != nil {
		return nil, err
	}
	store.experimentId = id
	return store, nil
}

func (s *MLflowStore) post(ctx context.Context, endpoint string, body, result any) error {
	req := s.client.R().SetContext(ctx).SetBody(body)
	if result != nil {
		req.SetResult(result)
	}
	res, err := req.Post(endpoint)
	if err != nil {
		return fmt.Errorf("error calling %s: %w", endpoint, err)
	}
	return checkResponse(endpoint, res)
}

func checkResponse(endpoint string, res *resty.Response) error {
	if res.IsSuccess() {
		return nil
	}
	if apiErr, ok := res.Error().(*mlflowError); ok && apiErr.ErrorCode != "" {
		return fmt.Errorf("%s returned %d: %w", endpoint, res.StatusCode(), apiErr)
	}
	return fmt.Errorf("%s returned %d: %s", endpoint, res.StatusCode(), res.String())
}

func errorCode(err error) string {
	var apiErr *mlflowError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode
	}
	return ""
}

func (s *MLflowStore) experimentID(ctx context.Context, name string) (string, error) {
	var found struct {
		Experiment struct {
			ExperimentId string `json:"experiment_id"`
		} `json:"experiment"`
	}
	const getEndpoint = "/api/2.0/mlflow/experiments/get-by-name"
	res, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("experiment_name", name).
		SetResult(&found).
		Get(getEndpoint)
	if err != nil {
		return "", fmt.Errorf("error calling %s: %w", getEndpoint, err)
	}
	err = checkResponse(getEndpoint, res)
	if err == nil {
		return found.Experiment.ExperimentId, nil
	}
	if errorCode(err) != "RESOURCE_DOES_NOT_EXIST" {
		return "", err
	}

	var created struct {
		ExperimentId string `json:"experiment_id"`
	}
	body := map[string]any{"name": name}
	if s.opts.ArtifactRoot != "" {
		body["artifact_location"] = s.opts.ArtifactRoot
	}
	if err := s.post(ctx, "/api/2.0/mlflow/experiments/create", body, &created); err != nil {
		return "", err
	}
	slog.Info("created mlflow experiment", "name", name, "experiment_id", created.ExperimentId)
	return created.ExperimentId, nil
}

func (s *MLflowStore) IsLocal() bool { return false }

func (s *MLflowStore) Close() error { return nil }

func (s *MLflowStore) StartRun(ctx context.Context, name string) (Run, error) {
	var created struct {
		Run struct {
			Info mlflowRunInfo `json:"info"`
		} `json:"run"`
	}
	body := map[string]any{
		"experiment_id": s.experimentId,
		"run_name":      name,
		"start_time":    time.Now().UnixMilli(),
	}
	if err := s.post(ctx, "/api/2.0/mlflow/runs/create", body, &created); err != nil {
		return nil, err
	}
	return &mlflowRun{store: s, info: created.Run.Info}, nil
}

type mlflowRun struct {
	store *MLflowStore
	info  mlflowRunInfo
}

func (r *mlflowRun) ID() string { return r.info.RunId }

func (r *mlflowRun) ArtifactURI() string { return r.info.ArtifactURI }

func (r *mlflowRun) LogParams(ctx context.Context, params map[string]string) error {
	batch := make([]mlflowKeyValue, 0, len(params))
	for k, v := range params {
		batch = append(batch, mlflowKeyValue{Key: k, Value: v})
	}
	return r.store.post(ctx, "/api/2.0/mlflow/runs/log-batch", map[string]any{
		"run_id": r.info.RunId,
		"params": batch,
	}, nil)
}

func (r *mlflowRun) SetTags(ctx context.Context, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	batch := make([]mlflowKeyValue, 0, len(tags))
	for k, v := range tags {
		batch = append(batch, mlflowKeyValue{Key: k, Value: v})
	}
	return r.store.post(ctx, "/api/2.0/mlflow/runs/log-batch", map[string]any{
		"run_id": r.info.RunId,
		"tags":   batch,
	}, nil)
}

func (r *mlflowRun) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	ts := time.Now().UnixMilli()
	batch := make([]mlflowMetric, 0, len(metrics))
	for k, v := range metrics {
		batch = append(batch, mlflowMetric{Key: k, Value: v, Timestamp: ts})
	}
	return r.store.post(ctx, "/api/2.0/mlflow/runs/log-batch", map[string]any{
		"run_id":  r.info.RunId,
		"metrics": batch,
	}, nil)
}

const proxiedArtifactScheme = "mlflow-artifacts:"

// LogModel uploads through the server's artifact proxy for mlflow-artifacts:
// locations, and directly otherwise.
func (r *mlflowRun) LogModel(ctx context.Context, src, artifactPath string) (string, error) {
	if !strings.HasPrefix(r.info.ArtifactURI, proxiedArtifactScheme) {
		return logArtifacts(ctx, r.store.opts, r.info.ArtifactURI, src, artifactPath)
	}

	base := strings.TrimPrefix(r.info.ArtifactURI, proxiedArtifactScheme)
	base = strings.TrimLeft(base, "/")

	root := filepath.Dir(src)
	err := filepath.Walk(src, func(file string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, file)
		if err != nil {
			return err
		}
		return r.putArtifact(ctx, path.Join(base, artifactPath, filepath.ToSlash(rel)), file)
	})
	if err != nil {
		return "", err
	}
	return strings.TrimRight(r.info.ArtifactURI, "/") + "/" + artifactPath, nil
}

func (r *mlflowRun) putArtifact(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	endpoint := "/api/2.0/mlflow-artifacts/artifacts/" + key
	res, err := r.store.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(f).
		Put(endpoint)
	if err != nil {
		return fmt.Errorf("error uploading artifact %s: %w", key, err)
	}
	return checkResponse(endpoint, res)
}

func (r *mlflowRun) RegisterModel(ctx context.Context, name, source string) (int, error) {
	err := r.store.post(ctx, "/api/2.0/mlflow/registered-models/create", map[string]any{"name": name}, nil)
	if err != nil && errorCode(err) != "RESOURCE_ALREADY_EXISTS" {
		return 0, err
	}

	var created struct {
		ModelVersion struct {
			Version string `json:"version"`
		} `json:"model_version"`
	}
	body := map[string]any{"name": name, "source": source, "run_id": r.info.RunId}
	if err := r.store.post(ctx, "/api/2.0/mlflow/model-versions/create", body, &created); err != nil {
		return 0, err
	}

	version, err := strconv.Atoi(created.ModelVersion.Version)
	if err != nil {
		return 0, fmt.Errorf("unexpected model version %q: %w", created.ModelVersion.Version, err)
	}
	slog.Info("registered model version", "model", name, "version", version, "run_id", r.info.RunId)
	return version, nil
}

func (r *mlflowRun) End(ctx context.Context, status string) error {
	return r.store.post(ctx, "/api/2.0/mlflow/runs/update", map[string]any{
		"run_id":   r.info.RunId,
		"status":   status,
		"end_time": time.Now().UnixMilli(),
	}, nil)
}
