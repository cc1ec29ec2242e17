package core

import (
	"fmt"
	"log/slog"
)

// ApplyFreeze marks base-network layers non-trainable. freezeAll wins over
// freezeTill; otherwise a positive freezeTill keeps only the last freezeTill
// layers trainable, and zero leaves every layer trainable.
func ApplyFreeze(model Model, freezeAll bool, freezeTill int) error {
	layers, err := model.Layers()
	if err != nil {
		return fmt.Errorf("error listing model layers: %w", err)
	}

	frozen := 0
	switch {
	case freezeAll:
		frozen = len(layers)
	case freezeTill > 0:
		frozen = max(len(layers)-freezeTill, 0)
	}

	for i := 0; i < frozen; i++ {
		if err := model.SetTrainable(i, false); err != nil {
			return fmt.Errorf("error freezing layer %d (%s): %w", i, layers[i].Name, err)
		}
	}

	slog.Info("applied layer freeze policy", "layers", len(layers), "frozen", frozen, "freeze_all", freezeAll, "freeze_till", freezeTill)
	return nil
}
