// Command placesd serves the places and users API and runs its background
// worker and migrations.
package main

import "github.com/nimburion/places/pkg/cli"

func main() {
	cli.Execute(cli.NewServiceCommand(cli.Options{
		Name:        "placesd",
		Description: "Places and users CRUD service",
		EnvPrefix:   cli.DefaultEnvPrefix,
	}))
}
