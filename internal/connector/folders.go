// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connector

import "strings"

// PST files carry folder display names only, localized by whichever Outlook
// wrote them, so trash and junk folders are recognized by name.
var deletedFolders = map[string]struct{}{
	// English
	"deleted items": {},
	"trash":         {},
	// Spanish
	"elementos eliminados": {},
	"papelera":             {},
	// French
	"éléments supprimés": {},
	"corbeille":          {},
	// German
	"gelöschte elemente": {},
	"papierkorb":         {},
	// Italian
	"posta eliminata": {},
	"cestino":         {},
	// Portuguese
	"itens excluídos": {},
	"lixo":            {},
	// Dutch
	"verwijderde items": {},
	"prullenbak":        {},
	// Russian
	"удаленные": {},
	"корзина":   {},
	// Polish
	"usunięte elementy": {},
	"kosz":              {},
	// Japanese
	"削除済みアイテム": {},
	// Czech
	"odstraněná pošta": {},
	"koš":              {},
	// Estonian
	"kustutatud kirjad": {},
	"prügikast":         {},
	// Swedish
	"borttagna objekt": {},
	"skräp":            {},
	// Danish
	"slettet post": {},
	"papirkurv":    {},
	// Norwegian
	"slettede elementer": {},
	// Finnish
	"poistetut": {},
	"roskakori": {},
}

var junkFolders = map[string]struct{}{
	// English
	"junk email": {},
	"spam":       {},
	// Spanish
	"correo no deseado": {},
	// French
	"courrier indésirable": {},
	// German
	"junk-e-mail": {},
	// Italian
	"posta indesiderata": {},
	// Portuguese
	"lixo eletrônico": {},
	// Dutch
	"ongewenste e-mail": {},
	// Russian
	"нежелательная почта": {},
	"спам":                {},
	// Polish
	"wiadomości-śmieci": {},
	// Japanese
	"迷惑メール": {},
	"スパム":   {},
	// Czech
	"nevyžádaná pošta": {},
	// Estonian
	"rämpspost": {},
	// Swedish
	"skräppost": {},
	// Danish
	"uønsket post": {},
	// Norwegian
	"søppelpost": {},
	// Finnish
	"roskaposti": {},
}

// SkipFolder reports whether a PST folder name denotes deleted or junk mail
// in any supported locale. Matching is case-insensitive.
func SkipFolder(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if _, ok := deletedFolders[lower]; ok {
		return true
	}
	_, ok := junkFolders[lower]
	return ok
}
