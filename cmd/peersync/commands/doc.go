// Package commands defines the peersync CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - init       Create the local device identity and config
//   - devices    List and register peer devices
//   - discover   Run a discovery pass and list the results
//   - pair       Perform the key exchange with a peer
//   - sync       Start, cancel, or inspect a sync session
//   - conflicts  List and resolve sync conflicts
//   - history    Show the sync session history
//
// # Implementation
//
// The root command loads the TOML config and builds the agent (store,
// registry, key exchange, session machine) before any subcommand runs,
// so handlers share one wired instance.
package commands
