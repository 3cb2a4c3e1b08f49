// Package alert evaluates fleet alert conditions on a fixed tick.
//
// Each tick loads devices, alert states, recent heartbeats, and the
// last-status projection in four batched reads, then evaluates offline,
// low-battery, unity-down, and service-down per device. Transitions are
// idempotent and cooldown-suppressed, so a flapping device cannot spam
// raise events. The evaluator is a pure reader except for AlertState.
package alert
