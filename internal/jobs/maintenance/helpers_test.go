package maintenance

import (
	"sort"
	"strconv"
)

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
