/*
Package config loads flashfs settings.

Settings come from three places, later ones winning:

 1. NewDefault, which matches the target board.
 2. A YAML file read with LoadFromFile.
 3. FLASHFS_* environment variables read with LoadFromEnv.

Command line flags are applied on top by the CLI. Call Validate once all
sources are merged.

Example file:

	global:
	  log_level: info
	  metrics_addr: 127.0.0.1:9464
	flash:
	  image: flash.img
	  size: 8388608
	  partition:
	    start: 0
	    end: 1048576
	filesystem:
	  read_size: 256
	  prog_size: 256
	  cache_size: 256
	  block_size: 4096
	  lookahead_size: 16
	  block_cycles: 500
	  handles: 8
	  boot_counter: true
*/
package config
