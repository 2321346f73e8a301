package connect

import (
	"github.com/google/go-cmp/cmp"
)

// Structural equality over plain data (maps, slices, scalars).
// Values cmp cannot compare are reported unequal, which at worst causes a redundant write.
func DeepEqual(a any, b any) (equal bool) {
	defer func() {
		if r := recover(); r != nil {
			equal = false
		}
	}()
	return cmp.Equal(a, b)
}
