package acquire

import (
	"context"

	"carminepf/internal/model"
)

// Page is the port the automaton drives. Implementations wrap a concrete
// UI automation layer; every method returns promptly and never blocks on the
// page loading, so all waiting stays inside the automaton.
type Page interface {
	// Ready reports whether the product page has rendered enough to inspect.
	Ready(ctx context.Context) (bool, error)
	// Inspect reads the candidate's attributes from the product page.
	Inspect(ctx context.Context) (model.Candidate, error)
	// FindControl locates the control for role. It returns nil, nil when the
	// control is absent.
	FindControl(ctx context.Context, role Role) (*Control, error)
	SetQuantity(ctx context.Context, value string) error
	Click(ctx context.Context, role Role) error
	// Surface reports the checkout-related shape currently shown.
	Surface(ctx context.Context) (Surface, error)
	Location(ctx context.Context) (string, error)
	// Text returns the visible text of the page.
	Text(ctx context.Context) (string, error)
}
