// Package main is a module which serves the grid-tracker vision model.
package main

import (
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"

	"github.com/viam-modules/grid-tracking/tracker"
)

func main() {
	module.ModularMain(resource.APIModel{API: vision.API, Model: tracker.Model})
}
