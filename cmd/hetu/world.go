// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package main

import (
	"context"

	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/system"
)

// metaComponent stores cluster bookkeeping rows, most importantly the schema
// fingerprint written by `hetu migrate` and checked by `hetu run`.
const metaComponent = "HeTuMeta"

const fingerprintKey = "schema_fingerprint"

func defineMeta(components *schema.Registry) error {
	return components.Define(&schema.Component{
		Name: metaComponent,
		Fields: []schema.Field{
			{Name: "key", Kind: schema.String},
			{Name: "value", Kind: schema.String},
		},
		Indexes:    []schema.Index{{Field: "key", Unique: true}},
		Persist:    schema.Persistent,
		Permission: schema.PermOwner,
		ReadPerm:   schema.PermAdmin,
	})
}

// worldRegistry builds the demo world schema served by default. A real
// deployment would link its own definitions here instead.
func worldRegistry() (*schema.Registry, error) {
	components := schema.NewRegistry()
	if err := defineMeta(components); err != nil {
		return nil, err
	}
	err := components.Define(&schema.Component{
		Name: "Player",
		Fields: []schema.Field{
			{Name: "name", Kind: schema.String},
			{Name: "level", Kind: schema.Int32, Default: int64(1)},
		},
		Indexes: []schema.Index{
			{Field: "name", Unique: true},
			{Field: "level"},
		},
		// login inserts here while the caller is still a guest
		Persist: schema.Persistent,
	})
	if err != nil {
		return nil, err
	}
	err = components.Define(&schema.Component{
		Name: "Position",
		Fields: []schema.Field{
			{Name: "owner", Kind: schema.Uint64},
			{Name: "x", Kind: schema.Float32},
			{Name: "y", Kind: schema.Float32},
		},
		Indexes: []schema.Index{
			{Field: "owner", Unique: true},
			{Field: "x"},
		},
		Persist: schema.Transient,
	})
	if err != nil {
		return nil, err
	}
	components.Freeze()
	return components, nil
}

// worldSystems registers the demo world procedures.
func worldSystems(components *schema.Registry) (*system.Registry, error) {
	systems := system.NewRegistry(components)

	err := systems.Register(&system.System{
		Name:       "login",
		Params:     []schema.Field{{Name: "name", Kind: schema.String}},
		Reads:      []string{"Player", "Position"},
		Writes:     []string{"Player", "Position"},
		Permission: schema.PermGuest,
		Body: func(ctx context.Context, call *system.Call) (any, error) {
			name := call.Arg("name").(string)
			player, ok, err := call.Get(ctx, "Player", "name", name)
			if err != nil {
				return nil, err
			}
			if !ok {
				id, err := call.Insert(ctx, "Player", map[string]any{
					"name": name, "level": int64(1),
				})
				if err != nil {
					return nil, err
				}
				player.ID = id
			}
			if _, spawned, err := call.Get(ctx, "Position", "owner", player.ID); err != nil {
				return nil, err
			} else if !spawned {
				if _, err := call.Insert(ctx, "Position", map[string]any{
					"owner": player.ID, "x": float64(0), "y": float64(0),
				}); err != nil {
					return nil, err
				}
			}
			call.Elevate(player.ID, schema.PermUser)
			return player.ID, nil
		},
	})
	if err != nil {
		return nil, err
	}

	err = systems.Register(&system.System{
		Name: "move_to",
		Params: []schema.Field{
			{Name: "x", Kind: schema.Float32},
			{Name: "y", Kind: schema.Float32},
		},
		Reads:      []string{"Position"},
		Writes:     []string{"Position"},
		Permission: schema.PermUser,
		Body: func(ctx context.Context, call *system.Call) (any, error) {
			sess, ok := call.Identity()
			if !ok {
				return nil, call.Abort("not logged in")
			}
			position, ok, err := call.Get(ctx, "Position", "owner", sess)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, call.Abort("no such player")
			}
			return nil, call.Update(ctx, "Position", position.ID, map[string]any{
				"x": call.Arg("x"), "y": call.Arg("y"),
			})
		},
	})
	if err != nil {
		return nil, err
	}

	err = systems.Register(&system.System{
		Name:       "logout",
		Reads:      []string{"Position"},
		Writes:     []string{"Position"},
		Permission: schema.PermUser,
		Body: func(ctx context.Context, call *system.Call) (any, error) {
			sess, ok := call.Identity()
			if !ok {
				return nil, nil
			}
			position, ok, err := call.Get(ctx, "Position", "owner", sess)
			if err != nil || !ok {
				return nil, err
			}
			return nil, call.Delete(ctx, "Position", position.ID)
		},
	})
	if err != nil {
		return nil, err
	}

	systems.Freeze()
	return systems, nil
}
