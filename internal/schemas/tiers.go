package schemas

import "fmt"

// Resolve picks the output config id for a host with vramGB of video memory.
// Tiered choices resolve to the highest tier the host can serve; when the
// probe failed (known == false) the lowest declared tier is used.
func (c OutputChoice) Resolve(vramGB float64, known bool) (string, error) {
	if c.Unsupported {
		return "", ErrUnsupported
	}
	if len(c.Tiers) == 0 {
		return c.ID, nil
	}

	tiers := c.SortedTiers()
	if !known {
		return c.Tiers[tiers[0]], nil
	}

	for i := len(tiers) - 1; i >= 0; i-- {
		if float64(tiers[i]) <= vramGB {
			return c.Tiers[tiers[i]], nil
		}
	}
	return "", fmt.Errorf("%w: host reports %.0f GB, smallest tier is %d GB", ErrNoTierFits, vramGB, tiers[0])
}
