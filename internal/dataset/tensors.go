package dataset

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Tensors converts the batch into [B, L] int64 input tensors and [B, 1] int32 labels.
func (b Batch) Tensors() (inputIds, attentionMask, labels *tensors.Tensor) {
	return tensors.FromValue(b.InputIDs), tensors.FromValue(b.AttentionMask), tensors.FromValue(b.Labels)
}
