// Package review implements the human-review queue: priority scoring,
// atomic claim, transactional submission with field-level locking, and
// least-loaded auto-assignment (spec §4.5).
package review

import "time"

// CalculatePriority scores a review item; higher means more urgent.
// Mirrors the original scoring weights: confidence 0.4, SLA urgency 0.3,
// line-item volume 0.2, invoice value 0.1.
func CalculatePriority(confidenceAvg float64, slaDeadline *time.Time, numLineItems int, totalAmount float64) float64 {
	confScore := (100 - confidenceAvg*100) * 0.4

	var slaScore float64
	if slaDeadline != nil {
		hoursLeft := time.Until(*slaDeadline).Hours()
		if hoursLeft < 0 {
			hoursLeft = 0
		}
		urgency := (24 - hoursLeft) / 24
		if urgency < 0 {
			urgency = 0
		}
		slaScore = urgency * 100 * 0.3
	}

	itemsRatio := float64(numLineItems) / 100
	if itemsRatio > 1 {
		itemsRatio = 1
	}
	itemsScore := itemsRatio * 100 * 0.2

	valueRatio := totalAmount / 10_000
	if valueRatio > 1 {
		valueRatio = 1
	}
	valueScore := valueRatio * 100 * 0.1

	total := confScore + slaScore + itemsScore + valueScore
	return roundTo2(total)
}

func roundTo2(v float64) float64 {
	return float64(int64(v*100+sign(v)*0.5)) / 100
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
