// Package config provides centralized configuration management for the
// EasyCash runtime, merging YAML configuration files with ECASH_* environment
// variables and .env files. It exposes typed accessors for downstream
// components and validates the merged result at startup.
package config
