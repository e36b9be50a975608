package valueobjects

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
)

const maxIDLength = 128

// NodeID is a value object representing a unique node identifier.
// Canvas clients mint their own ids, so any non-empty string up to
// maxIDLength is accepted; server-minted ids are UUIDs.
type NodeID struct {
	value string
}

// NewNodeID creates a new random NodeID
func NewNodeID() NodeID {
	return NodeID{value: uuid.New().String()}
}

// NewNodeIDFromString creates a NodeID from an existing string
func NewNodeIDFromString(id string) (NodeID, error) {
	if err := validateID("node", id); err != nil {
		return NodeID{}, err
	}
	return NodeID{value: id}, nil
}

// String returns the string representation of the NodeID
func (id NodeID) String() string {
	return id.value
}

// Equals checks if two NodeIDs are equal
func (id NodeID) Equals(other NodeID) bool {
	return id.value == other.value
}

// IsZero checks if the NodeID is the zero value
func (id NodeID) IsZero() bool {
	return id.value == ""
}

// MarshalJSON implements json.Marshaler
func (id NodeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *NodeID) UnmarshalJSON(data []byte) error {
	v, err := unmarshalID("node", data)
	if err != nil {
		return err
	}
	id.value = v
	return nil
}

// EdgeID identifies an edge between two nodes
type EdgeID struct {
	value string
}

// NewEdgeID creates a new random EdgeID
func NewEdgeID() EdgeID {
	return EdgeID{value: uuid.New().String()}
}

// NewEdgeIDFromString creates an EdgeID from an existing string
func NewEdgeIDFromString(id string) (EdgeID, error) {
	if err := validateID("edge", id); err != nil {
		return EdgeID{}, err
	}
	return EdgeID{value: id}, nil
}

func (id EdgeID) String() string {
	return id.value
}

func (id EdgeID) Equals(other EdgeID) bool {
	return id.value == other.value
}

func (id EdgeID) IsZero() bool {
	return id.value == ""
}

// MarshalJSON implements json.Marshaler
func (id EdgeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *EdgeID) UnmarshalJSON(data []byte) error {
	v, err := unmarshalID("edge", data)
	if err != nil {
		return err
	}
	id.value = v
	return nil
}

func validateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New(kind + " ID cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New(kind + " ID is too long")
	}
	return nil
}

func unmarshalID(kind string, data []byte) (string, error) {
	if string(data) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", errors.New(kind + " ID must be a string")
	}
	if s == "" {
		return "", nil
	}
	if err := validateID(kind, s); err != nil {
		return "", err
	}
	return s, nil
}
