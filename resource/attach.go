package resource

import (
	"context"
	"fmt"

	"lightspeed/attachment"
)

// Attach reads the content of ref for the given attachment type and stores
// it in the pending set. It returns the attachment id.
func Attach(ctx context.Context, p Provider, store *attachment.Store, t attachment.Type, ref Ref, tailLines int64) (string, error) {
	var (
		value string
		err   error
	)
	switch t {
	case attachment.TypeYAML, attachment.TypeYAMLFiltered:
		obj, oerr := p.Object(ctx, ref)
		if oerr != nil {
			return "", oerr
		}
		if t == attachment.TypeYAML {
			value, err = attachment.RenderYAML(obj)
		} else {
			value, err = attachment.RenderFilteredYAML(obj)
		}
	case attachment.TypeEvents:
		events, eerr := p.Events(ctx, ref)
		if eerr != nil {
			return "", eerr
		}
		value, err = attachment.RenderEvents(events)
	case attachment.TypeLog:
		value, err = p.Logs(ctx, ref, tailLines)
	default:
		return "", fmt.Errorf("attachment type %q cannot be read from the cluster", t)
	}
	if err != nil {
		return "", err
	}

	kind := ref.Kind
	if t == attachment.TypeLog && kind == "" {
		kind = "Pod"
	}
	return store.Set(t, kind, ref.Name, ref.OwnerName, ref.Namespace, value, nil), nil
}
