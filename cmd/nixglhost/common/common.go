// Package common provides shared helpers for the nixglhost CLI commands.
package common

const (
	WarningSign = "⚠️"
	CheckMark   = "✔️"
)
