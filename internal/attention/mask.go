package attention

import "github.com/samcharles93/flashpatch/internal/tensor"

// PrepareMask turns an optional (batch, past+qLen) padding mask (nonzero is
// a valid token) into the mask Forward expects for this layer's
// implementation and call shape.
func (a *Attention) PrepareMask(padding *tensor.Tensor, batch, qLen, pastLen int) (*tensor.Tensor, error) {
	return a.impl.prepareMask(a, padding, batch, qLen, pastLen)
}

// CausalMask builds the additive (batch, 1, qLen, pastLen+qLen) mask: zero
// where query i may attend key j, dtype.MinValue() where j lies in the future
// or is a padded position. padding may be nil.
func CausalMask(padding *tensor.Tensor, batch, qLen, pastLen int, dtype tensor.DType) (*tensor.Tensor, error) {
	kvLen := pastLen + qLen
	if padding != nil {
		if err := checkShape("padding mask", padding, batch, kvLen); err != nil {
			return nil, err
		}
	}
	neg := dtype.MinValue()
	mask := tensor.New(dtype, batch, 1, qLen, kvLen)
	for b := range batch {
		for i := range qLen {
			row := mask.Data[(b*qLen+i)*kvLen : (b*qLen+i+1)*kvLen]
			for j := range kvLen {
				if j > pastLen+i || (padding != nil && padding.Data[b*kvLen+j] == 0) {
					row[j] = neg
				}
			}
		}
	}
	return mask, nil
}
