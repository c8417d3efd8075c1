// Package pool defines the node and session records that make up the remote
// session pool, and the lock-guarded store that owns them.
//
// The store is the only shared mutable state in gostratus. All capacity
// bookkeeping goes through it; components receive a *Store handle rather
// than reaching for process-wide state.
package pool

import (
	"fmt"
	"strings"
	"time"
)

// Size is the node size class. Each size carries a fixed session capacity;
// capacity is a static function of size and is never mutated after creation.
type Size string

const (
	SizeS  Size = "S"
	SizeM  Size = "M"
	SizeL  Size = "L"
	SizeXL Size = "XL"
)

// sizeSpec maps a size class to its EC2 instance type and session capacity.
type sizeSpec struct {
	instanceType string
	capacity     int
}

var sizeSpecs = map[Size]sizeSpec{
	SizeS:  {instanceType: "t3.medium", capacity: 1},
	SizeM:  {instanceType: "t3.xlarge", capacity: 2},
	SizeL:  {instanceType: "m5.2xlarge", capacity: 4},
	SizeXL: {instanceType: "m5.4xlarge", capacity: 8},
}

// ParseSize parses a size class string (case-insensitive).
func ParseSize(s string) (Size, error) {
	size := Size(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := sizeSpecs[size]; !ok {
		return "", fmt.Errorf("%w: %q (expected S, M, L, or XL)", ErrInvalidSize, s)
	}
	return size, nil
}

// Capacity returns the number of concurrent sessions the size supports.
func (s Size) Capacity() int {
	return sizeSpecs[s].capacity
}

// InstanceType returns the EC2 instance type backing the size class.
func (s Size) InstanceType() string {
	return sizeSpecs[s].instanceType
}

// String returns the string representation of the size.
func (s Size) String() string {
	return string(s)
}

// Pool ownership tags applied to every provisioned node.
const (
	// TagPool marks an instance as owned by the gostratus pool.
	TagPool = "stratus-pool"

	// TagCreatedBy records the provisioning tool.
	TagCreatedBy = "created-by"

	// TagOwner records the operator the node was provisioned for.
	TagOwner = "stratus-owner"
)

// Node is a provisioned compute instance hosting up to Capacity() concurrent
// sessions. Nodes are immutable after creation except for the session
// bookkeeping the store derives from its session table.
type Node struct {
	// ID is the provider-assigned instance id (unique).
	ID string `json:"id"`

	// Name is the pool-readable name: stratus-<owner>-<YYYYMMDD-HHMMSS>.
	Name string `json:"name"`

	// Size is the node size class. Capacity derives from it.
	Size Size `json:"size"`

	// Region is the provider region the node was created in.
	Region string `json:"region"`

	// Tags are the pool-ownership tags applied at creation.
	Tags map[string]string `json:"tags,omitempty"`

	// CreatedAt is when the node was provisioned.
	CreatedAt time.Time `json:"created_at"`

	// PublicAddress is the reachable address for SSH.
	PublicAddress string `json:"public_address"`
}

// Capacity returns the node's fixed session capacity.
func (n Node) Capacity() int {
	return n.Size.Capacity()
}

// NodeName builds the pool naming convention for a new node.
func NodeName(owner string, now time.Time) string {
	return fmt.Sprintf("stratus-%s-%s", owner, now.Format("20060102-150405"))
}
