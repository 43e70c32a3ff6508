package types

// Resource is one of the exclusive characters a peer can control.
type Resource string

const (
	ResourceGreen  Resource = "green"
	ResourceYellow Resource = "yellow"
	ResourceBlue   Resource = "blue"
	ResourceGrey   Resource = "grey"
)

var resources = []Resource{ResourceGreen, ResourceYellow, ResourceBlue, ResourceGrey}

var resourceImages = map[Resource]string{
	ResourceGreen:  "images/tank_green.png",
	ResourceYellow: "images/tank_desert.png",
	ResourceBlue:   "images/tank_blue.png",
	ResourceGrey:   "images/tank_grey.png",
}

// Resources returns the selectable set in display order.
func Resources() []Resource {
	out := make([]Resource, len(resources))
	copy(out, resources)
	return out
}

func (r Resource) Valid() bool {
	_, ok := resourceImages[r]
	return ok
}

func (r Resource) String() string { return string(r) }

// DefaultPick builds the pick for r with its stock metadata.
func DefaultPick(r Resource) Pick {
	return Pick{
		ResourceID:       r,
		ResourceMetadata: map[string]string{"image_path": resourceImages[r]},
	}
}
