package docs

import (
	"docengine/api/internal/access"
	"docengine/api/internal/store"
)

const fixtureBase = int64(1_700_000_000_000)

var fixtureGroups = []string{
	"group-super-admins",
	"group-public-content",
	"group-private-content",
	"group-public-tags",
	"group-private-tags",
	"group-public-users",
	"group-private-users",
	"group-languages",
}

var adminGroups = []string{"group-super-admins", "group-public-content", "group-private-content"}

// fixtureDocs returns a small CMS data set with distinct updatedTimeUtc
// values, oldest first.
func fixtureDocs() []store.Doc {
	var docs []store.Doc
	add := func(doc store.Doc) {
		doc[store.FieldUpdatedTime] = fixtureBase + int64(len(docs))*1000
		docs = append(docs, doc)
	}

	for _, id := range fixtureGroups {
		add(store.Doc{store.FieldID: id, store.FieldType: "group", "name": id, store.FieldMemberOf: []any{"group-super-admins"}})
	}
	add(store.Doc{store.FieldID: "lang-eng", store.FieldType: "language", "name": "English", "languageCode": "eng"})
	add(store.Doc{store.FieldID: "lang-fra", store.FieldType: "language", "name": "Français", "languageCode": "fra"})
	add(store.Doc{store.FieldID: "user-public", store.FieldType: "user", "name": "Public", store.FieldMemberOf: []any{"group-public-users"}})
	add(store.Doc{store.FieldID: "user-admin", store.FieldType: "user", "name": "Admin", store.FieldMemberOf: []any{"group-private-users"}})
	add(store.Doc{store.FieldID: "tag-category1", store.FieldType: "tag", "tagType": "category", store.FieldMemberOf: []any{"group-public-content"}})
	add(store.Doc{store.FieldID: "tag-topicA", store.FieldType: "tag", "tagType": "topic", store.FieldMemberOf: []any{"group-public-content"}})
	add(store.Doc{store.FieldID: "tag-topicB", store.FieldType: "tag", "tagType": "topic", store.FieldMemberOf: []any{"group-private-content"}})
	add(store.Doc{store.FieldID: "post-blog1", store.FieldType: "post", "image": "blog1.webp", "tags": []any{"tag-category1"}, store.FieldMemberOf: []any{"group-public-content"}})
	add(store.Doc{store.FieldID: "post-blog2", store.FieldType: "post", "image": "blog2.webp", "tags": []any{"tag-topicA"}, store.FieldMemberOf: []any{"group-public-content"}})
	add(store.Doc{store.FieldID: "post-private1", store.FieldType: "post", "image": "private.webp", store.FieldMemberOf: []any{"group-private-content"}})
	add(contentDoc("content-blog1-eng", "post-blog1", "lang-eng", "group-public-content"))
	add(contentDoc("content-blog1-fra", "post-blog1", "lang-fra", "group-public-content"))
	add(contentDoc("content-blog2-eng", "post-blog2", "lang-eng", "group-public-content"))
	add(contentDoc("content-private1-eng", "post-private1", "lang-eng", "group-private-content"))
	add(store.Doc{store.FieldID: "content-tag-category1-eng", store.FieldType: "content", store.FieldParentID: "tag-category1", store.FieldParentType: "tag", store.FieldLanguage: "lang-eng", "title": "Category 1", store.FieldMemberOf: []any{"group-public-content"}})
	add(store.Doc{store.FieldID: "redirect-old-blog", store.FieldType: "redirect", "slug": "old-blog", "toSlug": "blog1"})
	return docs
}

func contentDoc(id, parentID, language, group string) store.Doc {
	return store.Doc{
		store.FieldID:         id,
		store.FieldType:       "content",
		store.FieldParentID:   parentID,
		store.FieldParentType: "post",
		store.FieldLanguage:   language,
		"title":               id,
		"text":                "Lorem ipsum",
		store.FieldMemberOf:   []any{group},
	}
}

func adminAccess() access.Map {
	return access.Map{
		store.DocTypePost:  adminGroups,
		store.DocTypeTag:   adminGroups,
		store.DocTypeGroup: adminGroups,
	}
}
