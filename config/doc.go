// Package config loads PromptMesh settings with spf13/viper.
//
// Values are resolved in the usual viper order: explicit Set calls and bound
// flags, PROMPTMESH_* environment variables, the config file, then the
// defaults from Default.
//
// Example promptmesh.yaml:
//
//	server_url: ws://localhost:24337/connector
//	base_dir: .
//	watch_files: true
//	max_reflections: 3
//	log:
//	  level: debug
//	model:
//	  provider: openai
//	  name: gpt-4o
package config
