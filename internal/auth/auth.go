// Package auth implements the Auth Step: validates an inbound API key
// against a pipeline's configured client list and tags the call with the
// matching client's name as its consumer ID for downstream PerConsumer
// partitioning.
package auth

import (
	"context"
	"crypto/subtle"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

// Client is one allow-listed caller: a name (used as ConsumerID) and the
// set of keys that authenticate as it.
type Client struct {
	Name string
	Keys []string
}

// Step validates a bearer/API key against the pipeline's client list.
// A pipeline configured with Mode "none" (Clients empty and Disabled true)
// admits every call and tags it with the empty ConsumerID, matching the
// teacher's AllowClientAPIKeys bypass.
type Step struct {
	clients  []Client
	disabled bool
}

// NewStep builds an Auth step for one pipeline's client list.
func NewStep(clients []Client) *Step {
	return &Step{clients: clients}
}

// NewDisabledStep builds an Auth step that admits every call unchecked.
func NewDisabledStep() *Step {
	return &Step{disabled: true}
}

func (s *Step) Name() string { return "auth" }

func (s *Step) Pre(_ context.Context, d *core.CallDetails) (core.PreResult, error) {
	if s.disabled {
		return core.Allow, nil
	}

	key := extractAPIKey(d)
	if key == "" {
		return reject(), nil
	}

	for _, c := range s.clients {
		for _, k := range c.Keys {
			if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
				d.ConsumerID = c.Name
				return core.Allow, nil
			}
		}
	}
	return reject(), nil
}

func (s *Step) Post(context.Context, *core.CallDetails, *core.UsageInformation) {}

func reject() core.PreResult {
	return core.PreResult{
		Reject:     true,
		StatusCode: 401,
		Body:       []byte(`{"error":{"message":"invalid API key","type":"invalid_request_error"}}`),
	}
}

// extractAPIKey reads the caller's key from CallDetails.APIKey, which the
// pipeline takes from the Authorization or api-key header and the classifier
// copies in.
func extractAPIKey(d *core.CallDetails) string {
	return d.APIKey
}
