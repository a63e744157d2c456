package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/gatectrl/internal/registry"
	"github.com/l0p7/gatectrl/internal/routes"
	"github.com/l0p7/gatectrl/internal/schema"
	"github.com/l0p7/gatectrl/internal/transform"
)

const inlineSourceName = "inline-config"

// GatewayConfig is one bundle document: the route table, service instances,
// transform mappings, schemas, and lookup tables. The inline gateway section
// and every bundle file share this shape.
type GatewayConfig struct {
	Routes       []routes.RouteDefinition     `koanf:"routes"`
	Services     []registry.ServiceInstance   `koanf:"services"`
	Mappings     []transform.Mapping          `koanf:"mappings"`
	Schemas      map[string]schema.Schema     `koanf:"schemas"`
	LookupTables map[string]map[string]string `koanf:"lookupTables"`
}

// GatewayBundle captures the merged definitions after loading every
// configured source, plus the metadata explaining what was loaded and what
// was quarantined.
type GatewayBundle struct {
	Routes       []routes.RouteDefinition
	Services     []registry.ServiceInstance
	Mappings     []transform.Mapping
	Schemas      map[string]schema.Schema
	LookupTables map[string]map[string]string
	Sources      []string
	Skipped      []DefinitionSkip
}

type bundleAggregator struct {
	routes       map[string]routes.RouteDefinition
	routeOrder   []string
	routeSources map[string]string

	services      map[string]registry.ServiceInstance
	serviceOrder  []string
	serviceSource map[string]string

	mappings      map[string]transform.Mapping
	mappingOrder  []string
	mappingSource map[string]string

	schemas      map[string]schema.Schema
	schemaSource map[string]string

	lookups map[string]map[string]string

	skips   map[string]*DefinitionSkip
	sources map[string]struct{}
}

func newBundleAggregator() *bundleAggregator {
	return &bundleAggregator{
		routes:        make(map[string]routes.RouteDefinition),
		routeSources:  make(map[string]string),
		services:      make(map[string]registry.ServiceInstance),
		serviceSource: make(map[string]string),
		mappings:      make(map[string]transform.Mapping),
		mappingSource: make(map[string]string),
		schemas:       make(map[string]schema.Schema),
		schemaSource:  make(map[string]string),
		lookups:       make(map[string]map[string]string),
		skips:         make(map[string]*DefinitionSkip),
		sources:       make(map[string]struct{}),
	}
}

func (a *bundleAggregator) addDocument(doc GatewayConfig, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for _, def := range doc.Routes {
		a.addRoute(def, source)
	}
	for _, instance := range doc.Services {
		a.addService(instance, source)
	}
	for _, mapping := range doc.Mappings {
		a.addMapping(mapping, source)
	}
	for name, s := range doc.Schemas {
		a.addSchema(name, s, source)
	}
	for table, entries := range doc.LookupTables {
		merged, ok := a.lookups[table]
		if !ok {
			merged = make(map[string]string, len(entries))
			a.lookups[table] = merged
		}
		for key, value := range entries {
			merged[key] = value
		}
	}
}

func (a *bundleAggregator) addRoute(def routes.RouteDefinition, source string) {
	if def.ID == "" {
		a.recordSkip("route", "(unnamed)", "missing route id", source)
		return
	}
	key := "route\x00" + def.ID
	if skip, ok := a.skips[key]; ok {
		skip.Sources = appendUnique(skip.Sources, source)
		return
	}
	if prev, ok := a.routeSources[def.ID]; ok && prev != source {
		a.recordSkip("route", def.ID, "duplicate definition", prev, source)
		delete(a.routes, def.ID)
		delete(a.routeSources, def.ID)
		a.routeOrder = slices.DeleteFunc(a.routeOrder, func(id string) bool { return id == def.ID })
		return
	}
	if _, ok := a.routes[def.ID]; !ok {
		a.routeOrder = append(a.routeOrder, def.ID)
	}
	a.routes[def.ID] = def
	a.routeSources[def.ID] = source
}

func (a *bundleAggregator) addService(instance registry.ServiceInstance, source string) {
	if instance.ID == "" || instance.ServiceName == "" {
		a.recordSkip("service", instance.ID, "missing instance id or service name", source)
		return
	}
	key := "service\x00" + instance.ID
	if skip, ok := a.skips[key]; ok {
		skip.Sources = appendUnique(skip.Sources, source)
		return
	}
	if prev, ok := a.serviceSource[instance.ID]; ok && prev != source {
		a.recordSkip("service", instance.ID, "duplicate definition", prev, source)
		delete(a.services, instance.ID)
		delete(a.serviceSource, instance.ID)
		a.serviceOrder = slices.DeleteFunc(a.serviceOrder, func(id string) bool { return id == instance.ID })
		return
	}
	if _, ok := a.services[instance.ID]; !ok {
		a.serviceOrder = append(a.serviceOrder, instance.ID)
	}
	a.services[instance.ID] = instance
	a.serviceSource[instance.ID] = source
}

func (a *bundleAggregator) addMapping(mapping transform.Mapping, source string) {
	if mapping.SourceSchema == "" || mapping.TargetSchema == "" {
		a.recordSkip("mapping", mapping.SourceSchema+"->"+mapping.TargetSchema,
			"missing source or target schema", source)
		return
	}
	name := mapping.SourceSchema + "->" + mapping.TargetSchema
	key := "mapping\x00" + name
	if skip, ok := a.skips[key]; ok {
		skip.Sources = appendUnique(skip.Sources, source)
		return
	}
	if prev, ok := a.mappingSource[name]; ok && prev != source {
		a.recordSkip("mapping", name, "duplicate definition", prev, source)
		delete(a.mappings, name)
		delete(a.mappingSource, name)
		a.mappingOrder = slices.DeleteFunc(a.mappingOrder, func(n string) bool { return n == name })
		return
	}
	if _, ok := a.mappings[name]; !ok {
		a.mappingOrder = append(a.mappingOrder, name)
	}
	a.mappings[name] = mapping
	a.mappingSource[name] = source
}

func (a *bundleAggregator) addSchema(name string, s schema.Schema, source string) {
	key := "schema\x00" + name
	if skip, ok := a.skips[key]; ok {
		skip.Sources = appendUnique(skip.Sources, source)
		return
	}
	if prev, ok := a.schemaSource[name]; ok && prev != source {
		a.recordSkip("schema", name, "duplicate definition", prev, source)
		delete(a.schemas, name)
		delete(a.schemaSource, name)
		return
	}
	a.schemas[name] = s
	a.schemaSource[name] = source
}

func (a *bundleAggregator) recordSkip(kind, name, reason string, sources ...string) {
	key := kind + "\x00" + name
	skip, ok := a.skips[key]
	if !ok {
		skip = &DefinitionSkip{Kind: kind, Name: name, Reason: reason, Sources: []string{}}
		a.skips[key] = skip
	}
	if skip.Reason == "" {
		skip.Reason = reason
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
}

// pruneOrphanRoutes quarantines routes that name a service with no registered
// instances and no base URL of their own. Resolving such a route would fail
// per request; catching it here records the problem in SkippedDefinitions.
func (a *bundleAggregator) pruneOrphanRoutes() {
	known := make(map[string]struct{})
	for _, instance := range a.services {
		known[instance.ServiceName] = struct{}{}
	}
	for id, def := range a.routes {
		if def.BaseURL != "" {
			continue
		}
		if _, ok := known[def.ServiceName]; ok {
			continue
		}
		a.recordSkip("route", id, "service "+def.ServiceName+" has no registered instances", a.routeSources[id])
		delete(a.routes, id)
		delete(a.routeSources, id)
		a.routeOrder = slices.DeleteFunc(a.routeOrder, func(n string) bool { return n == id })
	}
}

func (a *bundleAggregator) bundle() GatewayBundle {
	a.pruneOrphanRoutes()

	out := GatewayBundle{
		Schemas:      make(map[string]schema.Schema, len(a.schemas)),
		LookupTables: make(map[string]map[string]string, len(a.lookups)),
	}
	for _, id := range a.routeOrder {
		out.Routes = append(out.Routes, a.routes[id])
	}
	for _, id := range a.serviceOrder {
		out.Services = append(out.Services, a.services[id])
	}
	for _, name := range a.mappingOrder {
		out.Mappings = append(out.Mappings, a.mappings[name])
	}
	for name, s := range a.schemas {
		out.Schemas[name] = s
	}
	for table, entries := range a.lookups {
		out.LookupTables[table] = entries
	}

	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		out.Skipped = append(out.Skipped, *skip)
	}
	sort.Slice(out.Skipped, func(i, j int) bool {
		if out.Skipped[i].Kind == out.Skipped[j].Kind {
			return out.Skipped[i].Name < out.Skipped[j].Name
		}
		return out.Skipped[i].Kind < out.Skipped[j].Kind
	})

	for src := range a.sources {
		if src != "" {
			out.Sources = append(out.Sources, src)
		}
	}
	sort.Strings(out.Sources)
	return out
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildGatewayBundle(ctx context.Context, inline GatewayConfig, routesCfg RoutesConfig) (GatewayBundle, error) {
	agg := newBundleAggregator()
	agg.addDocument(inline, inlineSourceName)

	files, err := collectBundleSources(ctx, routesCfg)
	if err != nil {
		return GatewayBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return GatewayBundle{}, ctx.Err()
		default:
		}
		doc, err := loadBundleDocument(path)
		if err != nil {
			return GatewayBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	return agg.bundle(), nil
}

func collectBundleSources(ctx context.Context, routesCfg RoutesConfig) ([]string, error) {
	if routesCfg.RoutesFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(routesCfg.RoutesFile); err != nil {
			return nil, err
		}
		return []string{routesCfg.RoutesFile}, nil
	}
	if routesCfg.RoutesFolder == "" {
		return nil, nil
	}
	stat, err := os.Stat(routesCfg.RoutesFolder)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing default folder is not an error; the inline section
			// may carry the whole bundle.
			return nil, nil
		}
		return nil, fmt.Errorf("config: routes folder %s: %w", routesCfg.RoutesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: routes folder %s is not a directory", routesCfg.RoutesFolder)
	}
	var files []string
	err = filepath.WalkDir(routesCfg.RoutesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedBundleFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk routes folder %s: %w", routesCfg.RoutesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: routes file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: routes file %s: expected a file, found directory", path)
	}
	return nil
}

func loadBundleDocument(path string) (GatewayConfig, error) {
	parser, err := parserFor(path)
	if err != nil {
		return GatewayConfig{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return GatewayConfig{}, fmt.Errorf("config: load bundle from %s: %w", path, err)
	}
	var doc GatewayConfig
	if err := k.Unmarshal("", &doc); err != nil {
		return GatewayConfig{}, fmt.Errorf("config: decode bundle from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported bundle file extension %s", ext)
	}
}

func isSupportedBundleFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}
