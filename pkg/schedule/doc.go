// Package schedule provides recurrence rules for periodic maintenance.
//
// This package includes:
//   - Schedule interface
//   - Every() for fixed-interval schedules
//   - Parse() and Cron() for cron expressions and descriptors like "@every 6h"
package schedule
