// Package acquire drives one purchase attempt per queued item through a
// storefront checkout flow, behind a narrow page port.
package acquire

import (
	"time"

	"carminepf/internal/apperror"
)

// State is a step of the acquisition automaton.
type State string

// Automaton states. Rejected, Completed and Failed are terminal.
const (
	StateInit                  State = "init"
	StateInspectingCandidate   State = "inspecting_candidate"
	StateRejected              State = "rejected"
	StateSelectingQuantity     State = "selecting_quantity"
	StateClickingPrimaryAction State = "clicking_primary_action"
	StateAwaitingCheckout      State = "awaiting_checkout_surface"
	StateAwaitingConfirmation  State = "awaiting_confirmation"
	StateCompleted             State = "completed"
	StateFailed                State = "failed"
)

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateCompleted || s == StateFailed
}

// Role names a control the automaton looks for on the page.
type Role string

// Control roles.
const (
	RoleQuantity        Role = "quantity"
	RolePrimaryAction   Role = "primary_action"
	RolePlaceOrder      Role = "place_order"
	RoleFramePlaceOrder Role = "frame_place_order"
)

// SurfaceKind is what the page currently shows after the primary action.
type SurfaceKind string

// Surface kinds.
const (
	SurfaceNone          SurfaceKind = ""
	SurfaceCheckoutPage  SurfaceKind = "checkout_page"
	SurfaceCheckoutFrame SurfaceKind = "checkout_frame"
	SurfaceConfirmation  SurfaceKind = "confirmation"
	SurfaceError         SurfaceKind = "error"
)

// Surface is the page's current checkout-related shape.
type Surface struct {
	Kind SurfaceKind
	// Message carries the error text for SurfaceError.
	Message string
}

// Control is a located page control.
type Control struct {
	Role     Role
	Enabled  bool
	Editable bool
	Value    string
	// Options lists select values in document order.
	Options []string
	// Max is the max attribute of a numeric input.
	Max string
}

// ControlState is the diagnostic view of one control.
type ControlState struct {
	Present bool `json:"present"`
	Enabled bool `json:"enabled"`
}

// Snapshot is attached to every failed outcome.
type Snapshot struct {
	Stage    State                 `json:"stage"`
	Reason   string                `json:"reason"`
	Location string                `json:"location"`
	Controls map[Role]ControlState `json:"controls"`
	TakenAt  time.Time             `json:"takenAt"`
}

// Outcome is the single terminal report of one attempt.
type Outcome struct {
	AttemptID  string        `json:"attemptId"`
	ItemID     int64         `json:"itemId"`
	ASIN       string        `json:"asin"`
	State      State         `json:"state"`
	Code       apperror.Code `json:"code,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	OrderID    string        `json:"orderId,omitempty"`
	Quantity   string        `json:"quantity,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Snapshot   *Snapshot     `json:"snapshot,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}
