package cache

import (
	"math"
	"time"
)

// Metadata 记录条目的体积、时间戳、访问计数与优先级，payload 本体由各层自持。
type Metadata struct {
	SizeBytes       int64
	Priority        int
	CreatedAt       time.Time
	LastAccessedAt  time.Time
	AccessCount     int
	ConsecutiveHits int
}

// ScoreFloor 是保留分数的下限，保证排序稳定且没有条目对淘汰逻辑不可见。
const ScoreFloor = 0.1

// Score 计算条目的保留分数，分数越低越先被淘汰。
//
// 组成：访问频率加成（每分钟访问数 ×5，上限 10）、近期访问加成（10 分钟线性
// 衰减到 0）、优先级加成（×2）、连击加成（×0.5，上限 3）；减去年龄惩罚
// （小时数，上限 10）与体积惩罚（log10(大小/1MB)）。
func Score(md Metadata, now time.Time) float64 {
	hoursSinceCreated := now.Sub(md.CreatedAt).Hours()
	minutesSinceCreated := now.Sub(md.CreatedAt).Minutes()
	minutesSinceAccess := now.Sub(md.LastAccessedAt).Minutes()

	agePenalty := math.Min(hoursSinceCreated, 10)

	// 刚创建的条目访问频率视为无穷大，直接取上限。
	accessBonus := 10.0
	if minutesSinceCreated > 0 {
		accessBonus = math.Min(float64(md.AccessCount)/minutesSinceCreated*5, 10)
	}

	recencyBonus := math.Max(0, 10-minutesSinceAccess)

	sizePenalty := 0.0
	if md.SizeBytes > 0 {
		sizePenalty = math.Log10(float64(md.SizeBytes) / (1024 * 1024))
	}

	priorityBonus := float64(md.Priority) * 2
	hotBonus := math.Min(float64(md.ConsecutiveHits)*0.5, 3)

	score := accessBonus + recencyBonus + priorityBonus + hotBonus - agePenalty - sizePenalty
	if score < ScoreFloor {
		return ScoreFloor
	}
	return score
}
