// Package dag implements the Task DAG Model: a serializable tree rooted at
// one task id describing how one submission was decomposed into broker
// tasks. Node is a tagged sum type over Leaf, Group, and Chord — the single
// DAG value plus stateless probes that replaces the two parallel
// task-definition/result class hierarchies of the source.
package dag

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/qcgateway/qcgateway/internal/compute"
)

// Kind discriminates the three Node shapes on the wire.
type Kind string

const (
	KindLeaf  Kind = "leaf"
	KindGroup Kind = "group"
	KindChord Kind = "chord"
)

// Node is the tagged variant. Exactly one of Leaf/Group/Chord is non-nil,
// matching Kind. Consumers match exhaustively on Kind rather than type-
// switching on a result-object hierarchy.
type Node struct {
	Kind Kind `json:"kind"`

	// Leaf fields (Kind == KindLeaf)
	TaskID  string         `json:"task_id,omitempty"`
	Program compute.Program `json:"program,omitempty"`

	// Group fields (Kind == KindGroup)
	GroupID string `json:"group_id,omitempty"`
	Leaves  []Node `json:"leaves,omitempty"`

	// Chord fields (Kind == KindChord)
	ChordID string `json:"chord_id,omitempty"`
	// Leaves above doubles as the chord's fan-out set when Kind == KindChord.
	Reducer *Node `json:"reducer,omitempty"`
}

// NewLeaf builds a single worker-invocation node. taskID must already be a
// UUID v4 minted by the broker client.
func NewLeaf(taskID string, program compute.Program) (Node, error) {
	if err := validateUUIDv4(taskID); err != nil {
		return Node{}, err
	}
	return Node{Kind: KindLeaf, TaskID: taskID, Program: program}, nil
}

// NewGroup builds an independent fan-out with no reducer.
func NewGroup(groupID string, leaves []Node) (Node, error) {
	if err := validateUUIDv4(groupID); err != nil {
		return Node{}, err
	}
	if len(leaves) == 0 {
		return Node{}, errors.New("group must have at least one leaf")
	}
	for i := range leaves {
		if leaves[i].Kind != KindLeaf {
			return Node{}, errors.New("group leaves must be leaf nodes")
		}
	}
	return Node{Kind: KindGroup, GroupID: groupID, Leaves: append([]Node(nil), leaves...)}, nil
}

// NewChord builds a fan-out of leaves feeding a single reducer leaf. The
// reducer must not also appear in the fan-out set.
func NewChord(chordID string, leaves []Node, reducer Node) (Node, error) {
	if err := validateUUIDv4(chordID); err != nil {
		return Node{}, err
	}
	if len(leaves) == 0 {
		return Node{}, errors.New("chord must have at least one fan-out leaf")
	}
	if reducer.Kind != KindLeaf {
		return Node{}, errors.New("chord reducer must be a leaf node")
	}
	for i := range leaves {
		if leaves[i].Kind != KindLeaf {
			return Node{}, errors.New("chord fan-out must be leaf nodes")
		}
		if leaves[i].TaskID == reducer.TaskID {
			return Node{}, errors.New("chord reducer must not also appear in the fan-out set")
		}
	}
	r := reducer
	return Node{Kind: KindChord, ChordID: chordID, Leaves: append([]Node(nil), leaves...), Reducer: &r}, nil
}

// RootID returns the id that identifies this node for persistence/lookup.
func (n Node) RootID() string {
	switch n.Kind {
	case KindLeaf:
		return n.TaskID
	case KindGroup:
		return n.GroupID
	case KindChord:
		return n.ChordID
	default:
		return ""
	}
}

// AllLeafIDs walks the tree and returns every leaf task id it contains,
// including the chord reducer, in a stable, submission-preserving order.
func (n Node) AllLeafIDs() []string {
	switch n.Kind {
	case KindLeaf:
		return []string{n.TaskID}
	case KindGroup:
		ids := make([]string, 0, len(n.Leaves))
		for _, l := range n.Leaves {
			ids = append(ids, l.AllLeafIDs()...)
		}
		return ids
	case KindChord:
		ids := make([]string, 0, len(n.Leaves)+1)
		for _, l := range n.Leaves {
			ids = append(ids, l.AllLeafIDs()...)
		}
		if n.Reducer != nil {
			ids = append(ids, n.Reducer.AllLeafIDs()...)
		}
		return ids
	default:
		return nil
	}
}

// Marshal produces the stable, self-describing JSON form of a DAG.
func Marshal(n Node) ([]byte, error) {
	return json.Marshal(n)
}

// Unmarshal parses a DAG blob previously produced by Marshal. Reading it
// back in a different gateway process must round-trip identically.
func Unmarshal(data []byte) (Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return Node{}, err
	}
	if err := n.validateKind(); err != nil {
		return Node{}, err
	}
	return n, nil
}

func (n Node) validateKind() error {
	switch n.Kind {
	case KindLeaf, KindGroup, KindChord:
		return nil
	default:
		return errors.Errorf("dag: unrecognized node kind %q", n.Kind)
	}
}

func validateUUIDv4(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return errors.Wrapf(err, "dag: invalid id %q", id)
	}
	if parsed.Version() != 4 {
		return errors.Errorf("dag: id %q is not a UUID v4", id)
	}
	return nil
}
