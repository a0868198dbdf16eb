// Package config loads the worker configuration and task documents.
//
// Worker configuration comes from a YAML file (tgworker.yaml in the working
// directory or ~/.tgworker, or an explicit --config path), TGWORKER_*
// environment variables and command line flags, merged by viper:
//
//	base_dir: /var/lib/tgworker
//	terragrunt_binary: /usr/local/bin/terragrunt
//	default_timeout: 45m
//	command_flags:
//	  plan: -lock-timeout=5m
//	database:
//	  path: /var/lib/tgworker/tgworker.db
//	files:
//	  kind: s3
//	  s3:
//	    bucket: tg-artifacts
//	    region: eu-west-1
//	secret_managers:
//	  - name: vault
//	    type: vault
//	    address: https://vault.internal:8200
//	policy_dir: /etc/tgworker/policies
//
// Task documents are YAML or JSON files holding one tagged task:
//
//	kind: apply
//	accountId: acme
//	entityId: network-prod
//	runConfiguration:
//	  runType: MODULE
//	  path: live/prod/vpc
//	configFilesStore:
//	  identifier: infra
//	  kind: GIT
//	  url: git@github.com:acme/infra.git
//	  branch: main
//	workspace: prod
//
// Documents are checked against an embedded CUE schema, which rejects
// unknown fields and reports positions, before the struct validation in
// package task runs.
package config
