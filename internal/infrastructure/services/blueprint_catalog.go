package services

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/logger"
)

//go:embed blueprints.yaml
var defaultCatalog []byte

var cvePattern = regexp.MustCompile(`(?i)CVE-\d{4}-\d{4,}`)

// BlueprintCatalog resolves a request into a Blueprint
type BlueprintCatalog interface {
	Resolve(ctx context.Context, ref string) (*entity.Blueprint, error)
	List(ctx context.Context) []entity.Blueprint
}

type catalogFile struct {
	Blueprints []entity.Blueprint `yaml:"blueprints"`
}

// YAMLBlueprintCatalog is a static catalog loaded from YAML
type YAMLBlueprintCatalog struct {
	log   logger.Logger
	byRef map[string]entity.Blueprint
	byCVE map[string]string
	refs  []string
}

// NewBlueprintCatalog loads the catalog at path, or the built-in catalog
// when path is empty
func NewBlueprintCatalog(path string, log logger.Logger) (*YAMLBlueprintCatalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read blueprint catalog: %w", err)
		}
		data = b
	}
	return ParseBlueprintCatalog(data, log)
}

// ParseBlueprintCatalog builds a catalog from YAML bytes
func ParseBlueprintCatalog(data []byte, log logger.Logger) (*YAMLBlueprintCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse blueprint catalog: %w", err)
	}

	c := &YAMLBlueprintCatalog{
		log:   log,
		byRef: make(map[string]entity.Blueprint, len(f.Blueprints)),
		byCVE: make(map[string]string, len(f.Blueprints)),
	}
	for i := range f.Blueprints {
		bp := f.Blueprints[i]
		if sev, ok := entity.ParseSeverity(string(bp.Severity)); ok {
			bp.Severity = sev
		}
		if err := bp.Validate(); err != nil {
			return nil, fmt.Errorf("blueprint %d (%s): %w", i, bp.Ref, err)
		}
		key := strings.ToLower(bp.Ref)
		if _, dup := c.byRef[key]; dup {
			return nil, fmt.Errorf("duplicate blueprint ref %q", bp.Ref)
		}
		c.byRef[key] = bp
		c.byCVE[strings.ToUpper(bp.CVE)] = key
		c.refs = append(c.refs, key)
	}
	sort.Strings(c.refs)

	log.Info("Loaded blueprint catalog", logger.Int("blueprints", len(c.refs)))
	return c, nil
}

// Resolve accepts a blueprint ref, a CVE id, or free text mentioning a CVE id
func (c *YAMLBlueprintCatalog) Resolve(_ context.Context, ref string) (*entity.Blueprint, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.NewValidation("blueprint_ref is required")
	}
	if bp, ok := c.byRef[strings.ToLower(ref)]; ok {
		return &bp, nil
	}
	if cve := cvePattern.FindString(ref); cve != "" {
		if key, ok := c.byCVE[strings.ToUpper(cve)]; ok {
			bp := c.byRef[key]
			return &bp, nil
		}
	}
	c.log.Debug("Blueprint not found", logger.String("ref", ref))
	return nil, errors.NewNotFound("blueprint").WithMetadata("ref", ref)
}

// List returns every blueprint ordered by ref
func (c *YAMLBlueprintCatalog) List(_ context.Context) []entity.Blueprint {
	out := make([]entity.Blueprint, 0, len(c.refs))
	for _, key := range c.refs {
		out = append(out, c.byRef[key])
	}
	return out
}
