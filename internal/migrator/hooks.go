package migrator

import (
	"slices"

	"github.com/oakdb/oak/internal/schema"
)

// CollectDropKeys runs the model's migration hooks in declaration order
// and returns the drop keys they contribute beyond those in have. The
// caller re-enters Prepare with the accumulated list until the hooks
// have nothing left to contribute.
func CollectDropKeys(model *schema.Model, have []string) ([]string, error) {
	var fresh []string
	for _, hook := range model.Hooks {
		if hook.Before != nil && !hook.Before() {
			continue
		}
		if hook.After == nil {
			continue
		}
		keys, err := hook.After()
		if err != nil {
			if hook.Error != nil {
				hook.Error(err)
				continue
			}
			return nil, err
		}
		for _, key := range keys {
			if !slices.Contains(have, key) && !slices.Contains(fresh, key) {
				fresh = append(fresh, key)
			}
		}
	}
	return fresh, nil
}

// Finalize runs the Finalize hooks once the schema has settled.
func Finalize(model *schema.Model) error {
	for _, hook := range model.Hooks {
		if hook.Finalize == nil {
			continue
		}
		if err := hook.Finalize(); err != nil {
			return err
		}
	}
	return nil
}
