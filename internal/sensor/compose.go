package sensor

import "fmt"

// FeatureVector is the concatenation, in Modalities() order, of the latest
// standardised row of every modality.
type FeatureVector []float64

// Composer builds feature vectors from a Bank.
type Composer struct {
	bank  *Bank
	width int
}

// NewComposer returns a composer over bank. expectedWidth is the policy
// input width; a layout that does not produce it is rejected.
func NewComposer(bank *Bank, expectedWidth int) (*Composer, error) {
	w := bank.Layout().Width()
	if w != expectedWidth {
		return nil, fmt.Errorf("feature width %d does not match policy input width %d", w, expectedWidth)
	}
	return &Composer{bank: bank, width: w}, nil
}

// Width returns the feature vector width.
func (c *Composer) Width() int { return c.width }

// Compose returns the current feature vector, or ErrIncompleteFeatures if
// any modality has not yet filled its window.
func (c *Composer) Compose() (FeatureVector, error) {
	out := make(FeatureVector, 0, c.width)
	for _, m := range Modalities() {
		row, ok := c.bank.Buffer(m).Latest()
		if !ok {
			return nil, fmt.Errorf("%w: %s not primed", ErrIncompleteFeatures, m)
		}
		out = append(out, row...)
	}
	return out, nil
}

// Pending lists the modalities that have not yet filled their windows.
func (c *Composer) Pending() []Modality {
	var pending []Modality
	for _, m := range Modalities() {
		if !c.bank.Buffer(m).Ready() {
			pending = append(pending, m)
		}
	}
	return pending
}
