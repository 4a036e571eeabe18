// Package domain holds the vocabulary shared by every layer: notifications and the broker they
// travel over, tasks and their repository, and the sentinel errors callers match on.
package domain
