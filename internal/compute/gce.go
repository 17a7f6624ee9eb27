package compute

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	gce "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCEClient implements InstanceAPI against the Compute Engine API. Each call
// authenticates with the caller-supplied delegated token rather than service
// credentials, so writes happen on behalf of the requesting principal.
type GCEClient struct {
	opts []option.ClientOption
}

// NewGCEClient creates a client. Extra options (for example an endpoint
// override) are appended to every underlying service build.
func NewGCEClient(opts ...option.ClientOption) *GCEClient {
	return &GCEClient{opts: opts}
}

func (c *GCEClient) service(ctx context.Context, accessToken string) (*gce.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, c.opts...)
	svc, err := gce.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("build compute service: %w", err)
	}
	return svc, nil
}

func (c *GCEClient) GetMetadata(ctx context.Context, co Coords, accessToken string) (*Metadata, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	inst, err := svc.Instances.Get(co.Project, co.Zone, co.Instance).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get instance %s/%s/%s: %w", co.Project, co.Zone, co.Instance, err)
	}

	md := &Metadata{Items: make(map[string]string)}
	if inst.Metadata != nil {
		md.Fingerprint = inst.Metadata.Fingerprint
		for _, item := range inst.Metadata.Items {
			if item.Value != nil {
				md.Items[item.Key] = *item.Value
			} else {
				md.Items[item.Key] = ""
			}
		}
	}
	return md, nil
}

func (c *GCEClient) SetMetadata(ctx context.Context, co Coords, md *Metadata, accessToken string) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}

	items := make([]*gce.MetadataItems, 0, len(md.Items))
	for key, value := range md.Items {
		value := value
		items = append(items, &gce.MetadataItems{Key: key, Value: &value})
	}

	_, err = svc.Instances.SetMetadata(co.Project, co.Zone, co.Instance, &gce.Metadata{
		Fingerprint: md.Fingerprint,
		Items:       items,
	}).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return ErrStaleFingerprint
		}
		return fmt.Errorf("set metadata on %s/%s/%s: %w", co.Project, co.Zone, co.Instance, err)
	}
	return nil
}
