package model

import (
	"fmt"
	"strings"

	"studio-agents/internal/domain"
)

// SchemaField describes one field the schema-extraction step must produce.
type SchemaField struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Type        string `yaml:"type" json:"type"`
	Default     string `yaml:"default" json:"default,omitempty"`
}

// Service is one routable entry of the service table.
type Service struct {
	ID          string        `yaml:"id"`
	URL         string        `yaml:"url"`
	Stage       StageKind     `yaml:"stage"`
	Description string        `yaml:"description"`
	Model       string        `yaml:"model"`
	Endpoint    string        `yaml:"endpoint"`
	Schema      []SchemaField `yaml:"schema"`
}

// ServiceTable resolves request routes to services.
type ServiceTable struct {
	byID  map[string]*Service
	byURL map[string]*Service
}

func NewServiceTable(services []Service) (*ServiceTable, error) {
	t := &ServiceTable{byID: map[string]*Service{}, byURL: map[string]*Service{}}
	for i := range services {
		s := services[i]
		if s.ID == "" {
			return nil, fmt.Errorf("%w: service without id", domain.ErrInvalidArgument)
		}
		if !s.Stage.IsServiceStage() {
			return nil, fmt.Errorf("%w: service %s has stage %q", domain.ErrUnknownStage, s.ID, s.Stage)
		}
		if s.Stage == StageExternal && s.Endpoint == "" {
			return nil, fmt.Errorf("%w: external service %s has no endpoint", domain.ErrInvalidArgument, s.ID)
		}
		if _, dup := t.byID[s.ID]; dup {
			return nil, fmt.Errorf("%w: service %s", domain.ErrAlreadyExists, s.ID)
		}
		t.byID[s.ID] = &s
		if s.URL != "" {
			t.byURL[normalizeRoute(s.URL)] = &s
		}
	}
	return t, nil
}

// Resolve matches serviceURL when present, otherwise serviceID.
// A present URL that matches nothing is a routing error even if the id is known.
func (t *ServiceTable) Resolve(serviceURL, serviceID string) (*Service, error) {
	if strings.TrimSpace(serviceURL) != "" {
		if s, ok := t.byURL[normalizeRoute(serviceURL)]; ok {
			return s, nil
		}
		return nil, fmt.Errorf("%w: url %q", domain.ErrRouting, serviceURL)
	}
	if s, ok := t.byID[serviceID]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: service %q", domain.ErrRouting, serviceID)
}

// Get returns the service by id.
func (t *ServiceTable) Get(id string) (*Service, error) {
	if s, ok := t.byID[id]; ok {
		return s, nil
	}
	return nil, domain.ErrNotFound
}

func normalizeRoute(u string) string {
	u = strings.TrimSpace(strings.ToLower(u))
	return strings.TrimRight(u, "/")
}
