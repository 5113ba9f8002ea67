// Package effects implements the local side effects special events trigger:
// clipboard writes, file downloads, alerts, console output and leaving the
// app for an external URL.
//
// Each type satisfies the matching interface in the engine package. There is
// no window or DOM here, so alerts, console lines and external navigation
// land in the log.
package effects
