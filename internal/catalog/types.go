package catalog

// Repl is one exportable project as returned by the listing query.
// Records are decoded once and never mutated. Timestamps are kept as the
// API's ISO-8601 strings so the metadata sidecar reproduces them verbatim.
type Repl struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Slug         string      `json:"slug"`
	Language     string      `json:"language,omitempty"`
	IsPrivate    bool        `json:"isPrivate"`
	WasPublished bool        `json:"wasPublished"`
	TimeCreated  string      `json:"timeCreated"`
	TimeUpdated  string      `json:"timeUpdated"`
	User         *User       `json:"user,omitempty"`
	Config       ReplConfig  `json:"config"`
	Multiplayers []User      `json:"multiplayers"`
	Domains      []Domain    `json:"domains"`
	Source       *ReplSource `json:"source,omitempty"`
	IsAlwaysOn   bool        `json:"isAlwaysOn"`
	IsBoosted    bool        `json:"isBoosted"`
}

// Owner returns the username of the Repl's owner, or "" when unknown.
func (r Repl) Owner() string {
	if r.User == nil {
		return ""
	}
	return r.User.Username
}

// User identifies an account.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ReplConfig holds the capability flags of a Repl.
type ReplConfig struct {
	IsServer     bool    `json:"isServer"`
	IsExtension  bool    `json:"isExtension"`
	GitRemoteURL *string `json:"gitRemoteUrl,omitempty"`
	IsVnc        bool    `json:"isVnc"`
	DoClone      bool    `json:"doClone"`
}

// Domain is a custom domain attached to a Repl.
type Domain struct {
	Domain              string  `json:"domain"`
	State               string  `json:"state"`
	HostingDeploymentID *string `json:"hosting_deployment_id,omitempty"`
}

// ReplSource describes where a Repl was forked from or deployed to.
type ReplSource struct {
	Release    *Release    `json:"release,omitempty"`
	Deployment *Deployment `json:"deployment,omitempty"`
}

// Release is a published template release.
type Release struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
	HostedURL   *string `json:"hostedUrl,omitempty"`
	User        *User   `json:"user,omitempty"`
}

// Deployment is a hosted deployment of a Repl.
type Deployment struct {
	ID     string  `json:"id"`
	Domain *string `json:"domain,omitempty"`
}

// PageInfo is the continuation state of the listing.
type PageInfo struct {
	HasNextPage bool    `json:"hasNextPage"`
	NextCursor  *string `json:"nextCursor,omitempty"`
}

// Page is one fetch of the listing.
type Page struct {
	Items    []Repl   `json:"items"`
	PageInfo PageInfo `json:"pageInfo"`
}

// currentUserResult is the data shape of CurrentUser.
type currentUserResult struct {
	CurrentUser *User `json:"currentUser"`
}

// exportReplsResult is the data shape of ExportRepls.
type exportReplsResult struct {
	CurrentUser *struct {
		ExportRepls *Page `json:"exportRepls"`
	} `json:"currentUser"`
}
