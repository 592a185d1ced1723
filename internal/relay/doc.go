// Package relay implements the broadcast relay core: authorization, the
// per-operator channel registry, the staging buffer, the session state
// machine that drives multi-step operator flows, the broadcast dispatcher
// and the per-operator broadcast cooldown.
//
// Everything here is transport-agnostic. Inbound updates are parsed into
// Input values at the transport boundary and answered with Reply values.
package relay
