package changes

import (
	"encoding/json"
	"fmt"

	"github.com/Jeffail/gabs"
	jsonpatch "github.com/evanphx/json-patch"

	"github.com/narvanalabs/stackpilot/internal/models"
)

// VolatilePaths are the configuration fields that change on every attempt and never
// count as a configuration change.
var VolatilePaths = [][]string{
	{"general", "deployId"},
	{"general", "workdir"},
	{"build", "container"},
}

// stripVolatile returns cfg as JSON with every volatile path removed.
func stripVolatile(cfg *models.Configuration) ([]byte, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshaling configuration: %w", err)
	}
	doc, err := gabs.ParseJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	for _, path := range VolatilePaths {
		// a missing path is already stripped
		_ = doc.Delete(path...)
	}
	return doc.Bytes(), nil
}

// ConfigChanged reports whether candidate differs from running in any non-volatile
// field. Key order is irrelevant.
func ConfigChanged(running, candidate *models.Configuration) (bool, error) {
	a, err := stripVolatile(running)
	if err != nil {
		return false, err
	}
	b, err := stripVolatile(candidate)
	if err != nil {
		return false, err
	}
	patch, err := jsonpatch.CreateMergePatch(a, b)
	if err != nil {
		return false, fmt.Errorf("diffing configurations: %w", err)
	}
	return string(patch) != "{}", nil
}
