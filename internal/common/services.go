package common

import (
	"fmt"
	"os"
	"path/filepath"

	"settlement-engine-go/internal/models"

	"gopkg.in/yaml.v2"
)

type servicesFile struct {
	Services []models.ServiceDefinition `yaml:"services"`
}

// ServiceCatalog maps service codes to their settlement behavior
// (T0/T1 mode, wallet kind, fund category). Loaded once at startup.
type ServiceCatalog struct {
	defs map[models.ServiceType]models.ServiceDefinition
}

func LoadServiceCatalog(servicesPath string) (*ServiceCatalog, error) {
	if !filepath.IsAbs(servicesPath) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		servicesPath = filepath.Join(wd, servicesPath)
	}

	data, err := os.ReadFile(servicesPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", servicesPath, err)
	}

	var file servicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", servicesPath, err)
	}

	return NewServiceCatalog(file.Services)
}

func NewServiceCatalog(defs []models.ServiceDefinition) (*ServiceCatalog, error) {
	catalog := &ServiceCatalog{defs: make(map[models.ServiceType]models.ServiceDefinition)}
	for i, def := range defs {
		if def.Code == "" {
			return nil, fmt.Errorf("service at index %d missing code", i)
		}
		if def.Settlement != models.SettlementT0 && def.Settlement != models.SettlementT1 {
			return nil, fmt.Errorf("service %s: settlement must be T0 or T1, got %q", def.Code, def.Settlement)
		}
		if def.WalletKind == "" {
			def.WalletKind = models.WalletPrimary
		}
		if def.FundCategory == "" {
			def.FundCategory = models.FundSettlement
		}
		if _, dup := catalog.defs[def.Code]; dup {
			return nil, fmt.Errorf("service %s defined twice", def.Code)
		}
		catalog.defs[def.Code] = def
	}
	return catalog, nil
}

// Lookup returns the definition for a service code.
func (c *ServiceCatalog) Lookup(code models.ServiceType) (models.ServiceDefinition, bool) {
	def, ok := c.defs[code]
	return def, ok
}

func (c *ServiceCatalog) Len() int {
	return len(c.defs)
}
