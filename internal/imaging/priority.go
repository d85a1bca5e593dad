package imaging

import "strings"

// 文件名里带有这些片段的壁纸在淘汰时有更高的生存权重。
var favoriteHints = []string{"favorite", "favourite", "fav_", "-fav", "starred"}

// PriorityFor 根据文件名提示与分辨率档位推导条目优先级，数值越高越晚被淘汰。
func PriorityFor(displayName string, width, height int) int {
	priority := 0

	lower := strings.ToLower(displayName)
	for _, hint := range favoriteHints {
		if strings.Contains(lower, hint) {
			priority += 2
			break
		}
	}
	if strings.Contains(lower, "wallpaper") {
		priority++
	}

	// 高分辨率壁纸重新解码代价更高，给予额外保留权重。
	pixels := width * height
	switch {
	case pixels >= 3840*2160:
		priority += 2
	case pixels >= 1920*1080:
		priority++
	}

	return priority
}
