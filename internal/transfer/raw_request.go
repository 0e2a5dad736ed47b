package transfer

import (
	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/repository"
)

// NewRawMirrorRequest returns a request copying the stored bytes of source
// descriptor src into target as targetDescriptor. The bytes are verified
// against the strongest download checksum src declares.
func (c *Coordinator) NewRawMirrorRequest(src, targetDescriptor *artifact.Descriptor, target repository.Repository) *MirrorRequest {
	r := c.NewMirrorRequest(src.Key, target)
	r.descriptor = src
	r.targetDescriptor = targetDescriptor
	r.raw = true
	return r
}
