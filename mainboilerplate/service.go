package mainboilerplate

import (
	"os"

	petname "github.com/dustinkirkland/golang-petname"
)

// ServiceConfig represents identification and addressing configuration of the process.
type ServiceConfig struct {
	ID   int32  `long:"id" env:"ID" default:"0" description:"Unique numeric ID of this broker within its cluster"`
	Name string `long:"name" env:"NAME" description:"Human-readable name of this process. Auto-generated if not set"`
	Host string `long:"host" env:"HOST" description:"Addressable, advertised hostname or IP of this process. Hostname is used if not set"`
	Rack string `long:"rack" env:"RACK" default:"" description:"Rack (or availability zone) within which this process is running"`
}

// Resolve fills in an auto-generated Name and the system hostname, where unset.
func (cfg *ServiceConfig) Resolve() {
	if cfg.Name == "" {
		cfg.Name = petname.Generate(2, "-")
	}
	if cfg.Host == "" {
		var err error
		cfg.Host, err = os.Hostname()
		Must(err, "failed to determine hostname")
	}
}
