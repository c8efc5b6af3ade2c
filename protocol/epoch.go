package protocol

import "fmt"

// Epoch identifies a leader epoch of a partition. Followers present an Epoch
// to a new leader to learn where their log diverges from the leader's.
type Epoch struct {
	Partition int32 `yaml:"partition"`
	Epoch     int32 `yaml:"epoch"`
}

func (e Epoch) String() string {
	return fmt.Sprintf("Epoch{partitionId=%d, epoch=%d}", e.Partition, e.Epoch)
}

// Validate returns an error if the Epoch is not well-formed.
func (e Epoch) Validate() error {
	if e.Partition < 0 {
		return NewValidationError("invalid Partition (%d; expected >= 0)", e.Partition)
	} else if e.Epoch < 0 {
		return NewValidationError("invalid Epoch (%d; expected >= 0)", e.Epoch)
	}
	return nil
}
