/*
Package config loads the Agent and Fusion YAML configuration.

A service points at a directory; every YAML file in it shares one namespace
(sources, senders, receivers, views, pipes) and files merge in name order
with last-wins on redefinition, which is logged. Cross-references resolve by
id after the merge and dangling ids fail the load. Watch delivers debounced
change notifications for hot reload.
*/
package config
