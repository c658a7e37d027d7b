package merge

import (
	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
)

// MergeLines combines a guest cart into the remote cart. Matching keys sum
// their quantities; remote lines keep their order and ids, guest-only lines
// are appended in guest order.
func MergeLines(guest, remote []cart.Line) []cart.Line {
	merged := cart.Normalize(remote)
	index := make(map[cart.LineKey]int, len(merged)+len(guest))
	for i, line := range merged {
		index[line.Key()] = i
	}
	for _, line := range cart.Normalize(guest) {
		if i, ok := index[line.Key()]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.Key()] = len(merged)
		merged = append(merged, line)
	}
	return merged
}
