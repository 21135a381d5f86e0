package localdb

import "time"

// PublishedService records one AppRoute's published backend address,
// persisted every time internal/orchestrator completes a deploy and
// removed on teardown. It backs the admin API's published-services
// listing (cmd/homerouted's /api/applications/published) the way the
// teacher pack's tsnet-published-listener table backed its own
// published-service admin view, keyed here by application id/domain
// instead of a tailnet cluster id.
type PublishedService struct {
	AppID       string    `json:"app_id"`
	Domain      string    `json:"domain"`
	TargetAddr  string    `json:"target_addr"`
	PublishedAt time.Time `json:"published_at"`
}

const publishedCollection = "published_services"

// SavePublished saves or updates a published service record.
func (d *DB) SavePublished(key string, ps PublishedService) error {
	return d.Put(publishedCollection, key, ps)
}

// DeletePublished removes a published service record.
func (d *DB) DeletePublished(key string) error {
	return d.Delete(publishedCollection, key)
}

// ListPublished lists all published services.
func (d *DB) ListPublished(out *[]PublishedService) error {
	return d.List(publishedCollection, out)
}
