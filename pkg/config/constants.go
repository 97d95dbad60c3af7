package config

const (
	// EnvPrefix scopes envconfig processing; individual fields carry
	// fully-qualified envconfig tags so the prefix stays empty.
	EnvPrefix = ""

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "CHAKULA_DB_DSN"
	EnvDBHost = "CHAKULA_DB_HOST"
	EnvDBUser = "CHAKULA_DB_USER"
	EnvDBName = "CHAKULA_DB_NAME"
)

var requiredDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
