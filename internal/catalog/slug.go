package catalog

import (
	"sort"
	"strconv"
	"strings"
)

// Slugify lowercases name and collapses runs of non-alphanumerics into single dashes.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "vpn"
	}
	return slug
}

// assignSlugs sorts vpns by name and gives colliding slugs -2, -3... suffixes,
// then orders the result by slug.
func assignSlugs(vpns []VPN) {
	sort.SliceStable(vpns, func(i, j int) bool {
		if vpns[i].Name == vpns[j].Name {
			return vpns[i].Path < vpns[j].Path
		}
		return vpns[i].Name < vpns[j].Name
	})
	used := make(map[string]bool, len(vpns))
	for i := range vpns {
		base := Slugify(vpns[i].Name)
		slug := base
		for n := 2; used[slug]; n++ {
			slug = base + "-" + strconv.Itoa(n)
		}
		used[slug] = true
		vpns[i].Slug = slug
	}
	sort.SliceStable(vpns, func(i, j int) bool { return vpns[i].Slug < vpns[j].Slug })
}
