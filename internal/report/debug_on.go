//go:build iox_debug

package report

const debugEnabled = true
