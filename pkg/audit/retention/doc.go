// Package retention enforces audit retention by age and by record count,
// optionally on a cron schedule.
package retention
