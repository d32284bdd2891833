// Package local loads and saves projects, containers and assets in their on-disk form.
//
// Layout:
//
//	<project>/.syre/project.json        project id, name and data root
//	<project>/<data_root>/              root container of the project graph
//	<container>/.syre/container.json    container id, properties and analyses
//	<container>/.syre/settings.json     format settings
//	<container>/.syre/assets.json       asset manifest (id, properties, relative path)
//
// Manifests of known projects and users are plain JSON arrays of strings.
package local
