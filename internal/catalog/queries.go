package catalog

const (
	opCurrentUser = "CurrentUser"
	opExportRepls = "ExportRepls"
)

const currentUserQuery = `query CurrentUser {
	currentUser {
		id
		username
	}
}
`

const exportReplsQuery = `query ExportRepls($search: String!, $after: String, $count: Int) {
	currentUser {
		exportRepls: paginatedReplSearch(search: $search, after: $after, count: $count) {
			items {
				id
				title
				slug
				language
				isPrivate
				wasPublished
				timeCreated
				timeUpdated
				user {
					id
					username
				}
				config {
					isServer
					isExtension
					gitRemoteUrl
					isVnc
					doClone
				}
				multiplayers {
					id
					username
				}
				source {
					release {
						id
						description
						hostedUrl
						user {
							id
							username
						}
					}
					deployment {
						id
						domain
					}
				}
				domains {
					domain
					state
					hosting_deployment_id
				}
				isAlwaysOn
				isBoosted
			}
			pageInfo {
				hasNextPage
				nextCursor
			}
		}
	}
}
`
