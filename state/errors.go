package state

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var (
	// ErrStructural marks a modelling bug in the topology or a malformed input. Computations that hit
	// one abort, and the instance needs a full re-initialisation.
	ErrStructural = errors.New("structural violation")

	ErrUnknownNode     = errors.New("unknown node")
	ErrDuplicateNode   = errors.New("duplicate node")
	ErrDuplicatePrefix = errors.New("duplicate prefix")
	ErrUnknownPrefix   = errors.New("unknown prefix")
	ErrUnknownLink     = errors.New("unknown interface")
	ErrSlotsExhausted  = errors.New("interface slots exhausted")
	ErrInvalidLevel    = errors.New("invalid level")
)

type StructuralKind uint8

const (
	DanglingReference StructuralKind = iota
	EcmpOverflow
	MalformedAdvert
	PrefixInUse
	InconsistentEdge
)

func (k StructuralKind) String() string {
	switch k {
	case DanglingReference:
		return "dangling reference"
	case EcmpOverflow:
		return "ecmp overflow"
	case MalformedAdvert:
		return "malformed advert"
	case PrefixInUse:
		return "prefix in use"
	case InconsistentEdge:
		return "inconsistent edge"
	}
	return fmt.Sprintf("structural(%d)", uint8(k))
}

// StructuralError identifies the offending node, prefix or edge of a structural violation.
type StructuralError struct {
	Kind   StructuralKind
	Node   NodeId
	Prefix netip.Prefix
	Edge   EdgeHandle
	Msg    string
}

func (e *StructuralError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrStructural.Error())
	sb.WriteString(": ")
	sb.WriteString(e.Kind.String())
	if e.Node != "" {
		fmt.Fprintf(&sb, " node=%s", e.Node)
	}
	if e.Prefix.IsValid() {
		fmt.Fprintf(&sb, " prefix=%s", e.Prefix)
	}
	if e.Edge != NoEdge {
		fmt.Fprintf(&sb, " edge=%d", e.Edge)
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	return sb.String()
}

func (e *StructuralError) Is(target error) bool {
	return target == ErrStructural
}

func Structural(kind StructuralKind, node NodeId, msg string, args ...any) *StructuralError {
	return &StructuralError{
		Kind: kind,
		Node: node,
		Edge: NoEdge,
		Msg:  fmt.Sprintf(msg, args...),
	}
}
