package dag

import "fmt"

// ValidationCode identifies the reason a node was rejected by the Manager.
type ValidationCode uint32

const (
	// DuplicateNode - the node id is already present in the table.
	DuplicateNode ValidationCode = iota
	// StaleTimestamp - the node's timestamp is outside the tolerance window.
	StaleTimestamp
	// MissingParent - a declared parent is not in the table.
	MissingParent
	// SelfParent - the node lists itself as a parent.
	SelfParent
	// CycleDetected - inserting the node would close a cycle.
	CycleDetected
	// BadAncestry - a parent's timestamp does not strictly precede the node's.
	BadAncestry
	// MissingSignature - the node carries no signature.
	MissingSignature
	// BadSignature - the signature does not verify.
	BadSignature
	// NodeNotFound - query for an id that is not in the table.
	NodeNotFound
)

// ValidationErr is returned by the Manager when a node is rejected, or when a
// query references an unknown node. It is a recoverable rejection: no partial
// state was committed.
type ValidationErr struct {
	code   ValidationCode
	nodeID string
}

// NewValidationErr returns a ValidationErr for the given node id.
func NewValidationErr(code ValidationCode, nodeID string) ValidationErr {
	return ValidationErr{
		code:   code,
		nodeID: nodeID,
	}
}

// Error implements the error interface.
func (e ValidationErr) Error() string {
	m := ""
	switch e.code {
	case DuplicateNode:
		m = "Duplicate Node"
	case StaleTimestamp:
		m = "Stale Timestamp"
	case MissingParent:
		m = "Missing Parent"
	case SelfParent:
		m = "Self Parent"
	case CycleDetected:
		m = "Cycle Detected"
	case BadAncestry:
		m = "Bad Ancestry"
	case MissingSignature:
		m = "Missing Signature"
	case BadSignature:
		m = "Bad Signature"
	case NodeNotFound:
		m = "Not Found"
	}

	return fmt.Sprintf("%s, %s", e.nodeID, m)
}

// IsValidation checks that an error is a ValidationErr and that its code
// matches the provided code.
func IsValidation(err error, code ValidationCode) bool {
	validationErr, ok := err.(ValidationErr)
	return ok && validationErr.code == code
}
