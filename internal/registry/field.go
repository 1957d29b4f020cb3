// Package registry loads the field registry from a YAML or JSON file.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/projectmatch/internal/model"
)

// fileFormat is the on-disk shape of a registry file:
//
//	fields:
//	  - name: zip_code
//	    value_type: geo-zip
//	    required: true
//	    weight: 3
//	    applicable_categories: [all]
type fileFormat struct {
	Fields []model.FieldSpec `yaml:"fields" json:"fields"`
}

// LoadFieldRegistry returns the built-in registry when path is empty, and
// otherwise parses the file at path.
func LoadFieldRegistry(path string) (*model.FieldRegistry, error) {
	if path == "" {
		return model.DefaultRegistry(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}

	fields, err := parseFields(data, filepath.Ext(path))
	if err != nil {
		return nil, eris.Wrapf(err, "registry: parse %s", path)
	}
	if len(fields) == 0 {
		return nil, eris.Errorf("registry: %s defines no fields", path)
	}

	reg, err := model.NewFieldRegistry(fields)
	if err != nil {
		return nil, eris.Wrap(err, "registry: build")
	}

	zap.L().Info("registry: loaded field registry",
		zap.String("path", path),
		zap.Int("fields", len(reg.Fields)),
		zap.Strings("categories", reg.Categories()),
	)
	return reg, nil
}

func parseFields(data []byte, ext string) ([]model.FieldSpec, error) {
	var f fileFormat
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, eris.Wrap(err, "unmarshal json")
		}
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, eris.Wrap(err, "unmarshal yaml")
		}
	}
	return f.Fields, nil
}
