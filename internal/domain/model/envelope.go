package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"studio-agents/internal/domain"
)

var envelopeValidate = validator.New()

// Envelope is the request shape threaded through every link of a chain.
// Treat it as a value: the helpers below return modified copies.
type Envelope struct {
	UserID              string            `json:"userId" validate:"required"`
	ProjectID           string            `json:"projectId,omitempty"`
	ServiceID           string            `json:"serviceId" validate:"required"`
	ServiceURL          string            `json:"serviceUrl,omitempty"`
	InputData           Payload           `json:"inputData,omitempty"`
	DocumentURLs        []string          `json:"documentUrls,omitempty" validate:"omitempty,dive,url"`
	ParentTransactionID string            `json:"parentTransactionId,omitempty"`
	CallbackURL         string            `json:"callbackUrl,omitempty" validate:"omitempty,url"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Validate checks identity fields and URL shapes. Route resolution is checked by the orchestrator.
func (e Envelope) Validate() error {
	if err := envelopeValidate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

// Clone deep-copies the envelope's slices and maps.
func (e Envelope) Clone() Envelope {
	cp := e
	cp.InputData = e.InputData.Clone()
	cp.DocumentURLs = append([]string(nil), e.DocumentURLs...)
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Advance builds the envelope for the link after stage, which produced result.
// Input data is merged with the result; ingestion consumes the documents.
func (e Envelope) Advance(stage StageKind, result Payload) Envelope {
	next := e.Clone()
	next.InputData = e.InputData.Merge(result)
	if stage == StageIngest {
		next.DocumentURLs = nil
	}
	return next
}

// WithParent returns a copy whose links attach to the given root.
func (e Envelope) WithParent(id string) Envelope {
	cp := e.Clone()
	cp.ParentTransactionID = id
	return cp
}
