// Package scheduler turns schedule strings (cron, "@every", Go durations,
// HH:MM intervals) into triggers that enqueue tasks on the task engine.
// It never runs job code itself.
package scheduler
