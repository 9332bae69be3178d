package keytower

import (
	"fmt"
	"strings"
)

// partition derives the system- and intermediate-key ids for one partition
// identity and recognizes whether a given id belongs to it.
type partition interface {
	SystemKeyID() string
	IntermediateKeyID() string
	IsValidIntermediateKeyID(id string) bool
}

// defaultPartition is the unsuffixed (single-region) partition naming scheme.
type defaultPartition struct {
	id      string
	service string
	product string
}

func newPartition(id, service, product string) defaultPartition {
	return defaultPartition{id: id, service: service, product: product}
}

func (p defaultPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s", p.service, p.product)
}

func (p defaultPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s", p.id, p.service, p.product)
}

func (p defaultPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID()
}

// suffixedPartition appends a region suffix to both derived ids, used by
// geo-distributed deployments (e.g. DynamoDB global tables) to avoid
// cross-region write conflicts. A suffixed intermediate key id is still
// recognized as belonging to this partition by unsuffixed prefix match, so
// cross-region reads of another region's writes still decrypt.
type suffixedPartition struct {
	defaultPartition
	suffix string
}

func newSuffixedPartition(id, service, product, suffix string) suffixedPartition {
	return suffixedPartition{
		defaultPartition: newPartition(id, service, product),
		suffix:           suffix,
	}
}

func (p suffixedPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s_%s", p.service, p.product, p.suffix)
}

func (p suffixedPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s_%s", p.id, p.service, p.product, p.suffix)
}

func (p suffixedPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID() || strings.HasPrefix(id, p.defaultPartition.IntermediateKeyID())
}
