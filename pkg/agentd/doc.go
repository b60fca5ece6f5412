/*
Package agentd is the Agent runtime manager: it resolves the YAML
configuration into running pipelines, wires each one's driver, sender,
shared event bus and checkpoint store, and reconciles the set incrementally
on configuration changes — stop removed, start added, restart changed.
Failures starting one pipeline never abort its peers.
*/
package agentd
