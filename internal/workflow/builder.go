package workflow

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/Sameersah/talknshop/internal/domain"
)

// ExtractRequirement derives a requirement from free text without a
// language model. It recognises price bounds, a product type, colour, size,
// material and feature attributes, a rating floor, a condition and known
// brands. Anything it cannot recognise is left unset.
func ExtractRequirement(text string) *domain.Requirement {
	text = strings.ToLower(strings.TrimSpace(text))
	req := &domain.Requirement{}
	if text == "" {
		return req
	}
	attrs := map[string]string{}

	// Quantities with units go first so that "at least 4 stars" or
	// "over 16gb" are not read as prices.
	if m := ratingRe.FindStringSubmatchIndex(text); m != nil {
		if v, err := strconv.ParseFloat(submatch(text, m, 1, 2), 64); err == nil && v <= 5 {
			req.RatingMin = domain.Float(v)
		}
		text = blank(text, m[0], m[1])
	}
	for _, m := range memoryRe.FindAllStringSubmatchIndex(text, -1) {
		key := "storage"
		switch submatch(text, m, 3) {
		case "ram", "memory":
			key = "ram"
		}
		attrs[key] = submatch(text, m, 1) + submatch(text, m, 2)
	}
	text = memoryRe.ReplaceAllStringFunc(text, spaces)
	if m := screenRe.FindStringSubmatch(text); m != nil {
		attrs["screen_size"] = m[1] + " inch"
		text = screenRe.ReplaceAllStringFunc(text, spaces)
	}
	if m := sizeRe.FindStringSubmatch(text); m != nil {
		attrs["size"] = m[1]
		text = sizeRe.ReplaceAllStringFunc(text, spaces)
	}

	req.Price = extractPrice(text)

	tokens := tokenRe.FindAllString(text, -1)
	req.ProductType = productType(tokens)

	for _, tok := range tokens {
		if c, ok := colors[tok]; ok {
			if _, set := attrs["color"]; !set {
				attrs["color"] = c
			}
		}
		if _, ok := materials[tok]; ok {
			if _, set := attrs["material"]; !set {
				attrs["material"] = tok
			}
		}
		if s, ok := sizeWords[tok]; ok {
			if _, set := attrs["size"]; !set {
				attrs["size"] = s
			}
		}
	}
	padded := " " + strings.Join(tokens, " ") + " "
	for _, f := range features {
		if strings.Contains(padded, " "+f.phrase+" ") {
			attrs[f.key] = f.value
		}
	}
	for _, c := range conditions {
		if strings.Contains(padded, " "+c.phrase+" ") {
			req.Condition = c.condition
			break
		}
	}
	for _, b := range brands {
		if strings.Contains(padded, " "+b.phrase+" ") && !slices.Contains(req.BrandPreferences, b.name) {
			req.BrandPreferences = append(req.BrandPreferences, b.name)
		}
	}

	if len(attrs) > 0 {
		req.Attributes = attrs
	}
	return req
}

const amount = `\$?\s?(\d[\d,]*(?:\.\d+)?)\s?(k\b)?`

var (
	tokenRe  = regexp.MustCompile(`[a-z0-9]+(?:['-][a-z0-9]+)*`)
	ratingRe = regexp.MustCompile(`(\d(?:\.\d+)?)\s*\+?\s*(?:stars?|★)|(?:rated|rating(?: of)?)\s+(?:above\s+|over\s+|at least\s+)?(\d(?:\.\d+)?)`)
	memoryRe = regexp.MustCompile(`(\d+)\s?(gb|tb)\b(?:\s+(?:of\s+)?(ram|memory|storage|ssd|hdd)\b)?`)
	screenRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s?(?:"|-?\s?inch(?:es)?\b)`)
	sizeRe   = regexp.MustCompile(`\bsize\s+(\d+(?:\.\d+)?|xs|s|m|l|xl|xxl)\b`)

	rangeRe   = regexp.MustCompile(`(?:between\s+` + amount + `\s+and\s+` + amount + `)|(?:\$\s?(\d[\d,]*(?:\.\d+)?)\s?(k\b)?\s*(?:-|to)\s*` + amount + `)`)
	maxRe     = regexp.MustCompile(`\b(?:under|below|less than|cheaper than|up to|no more than|at most|max(?:imum)?(?: of)?|budget(?: of| is)?|within)\s+` + amount)
	minRe     = regexp.MustCompile(`\b(?:over|above|more than|at least|starting at|min(?:imum)?(?: of)?)\s+` + amount)
	dollarsRe = regexp.MustCompile(`\$\s?(\d[\d,]*(?:\.\d+)?)\s?(k\b)?`)
)

// extractPrice returns nil when the text names no price.
func extractPrice(text string) *domain.PriceFilter {
	p := &domain.PriceFilter{}
	if m := rangeRe.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			p.Min, p.Max = parseAmount(m[1], m[2]), parseAmount(m[3], m[4])
		} else {
			p.Min, p.Max = parseAmount(m[5], m[6]), parseAmount(m[7], m[8])
		}
	}
	if p.Max == nil {
		if m := maxRe.FindStringSubmatch(text); m != nil {
			p.Max = parseAmount(m[1], m[2])
		}
	}
	if p.Min == nil {
		if m := minRe.FindStringSubmatch(text); m != nil {
			p.Min = parseAmount(m[1], m[2])
		}
	}
	if p.Min == nil && p.Max == nil {
		if m := dollarsRe.FindStringSubmatch(text); m != nil {
			p.Max = parseAmount(m[1], m[2])
		}
	}
	if !p.HasBound() {
		return nil
	}
	p.Currency = "USD"
	return p
}

func parseAmount(num, thousands string) *float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
	if err != nil {
		return nil
	}
	if thousands != "" {
		v *= 1000
	}
	return &v
}

// productType prefers the vocabulary and falls back to the first plausible
// noun after "a", "an", "want", "need", "looking for" and similar phrases.
func productType(tokens []string) string {
	for i := range tokens {
		if i+1 < len(tokens) {
			if pt, ok := productNouns[tokens[i]+" "+tokens[i+1]]; ok {
				return pt
			}
		}
		if pt, ok := productNouns[tokens[i]]; ok {
			return pt
		}
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok == "looking" && i+1 < len(tokens) && tokens[i+1] == "for" {
			i++
		} else if _, ok := headTriggers[tok]; !ok {
			continue
		}
		if noun := headNoun(tokens[i+1:]); noun != "" {
			return noun
		}
	}
	return ""
}

func headNoun(tokens []string) string {
	for _, tok := range tokens {
		switch {
		case isDescriptor(tok):
			continue
		case stopNouns[tok], len(tok) < 3, !isAlpha(tok):
			return ""
		default:
			return tok
		}
	}
	return ""
}

func isDescriptor(tok string) bool {
	if _, ok := colors[tok]; ok {
		return true
	}
	if _, ok := materials[tok]; ok {
		return true
	}
	if _, ok := sizeWords[tok]; ok {
		return true
	}
	if _, ok := brandWords[tok]; ok {
		return true
	}
	return adjectives[tok]
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && r != '-' {
			return false
		}
	}
	return true
}

func submatch(s string, m []int, groups ...int) string {
	for _, g := range groups {
		if 2*g+1 < len(m) && m[2*g] >= 0 {
			return s[m[2*g]:m[2*g+1]]
		}
	}
	return ""
}

func blank(s string, start, end int) string {
	return s[:start] + strings.Repeat(" ", end-start) + s[end:]
}

func spaces(s string) string { return strings.Repeat(" ", len(s)) }

var headTriggers = map[string]struct{}{
	"a": {}, "an": {}, "want": {}, "need": {}, "buy": {}, "find": {}, "get": {}, "some": {},
}

var stopNouns = map[string]bool{
	"something": true, "anything": true, "everything": true, "nothing": true,
	"thing": true, "things": true, "stuff": true, "one": true, "ones": true,
	"it": true, "this": true, "that": true, "help": true, "gift": true,
	"present": true, "product": true, "item": true, "items": true, "way": true,
	"for": true, "with": true, "under": true, "below": true, "about": true,
	"the": true, "to": true, "and": true, "or": true, "but": true, "bit": true,
	"lot": true, "few": true, "couple": true, "budget": true, "price": true,
}

var adjectives = map[string]bool{
	"new": true, "good": true, "nice": true, "cheap": true, "great": true,
	"best": true, "decent": true, "quality": true, "high": true, "low": true,
	"affordable": true, "pair": true, "of": true, "the": true, "really": true,
	"very": true, "cool": true, "pretty": true, "durable": true, "light": true,
	"lightweight": true, "used": true, "refurbished": true, "wireless": true,
}

var productNouns = func() map[string]string {
	m := map[string]string{}
	add := func(canonical string, surfaces ...string) {
		for _, s := range append(surfaces, canonical) {
			m[s] = canonical
			if !strings.HasSuffix(s, "s") {
				m[s+"s"] = canonical
			}
		}
	}
	add("laptop", "notebook", "macbook", "chromebook")
	add("phone", "smartphone", "iphone", "cellphone", "cell phone")
	add("headphones", "headphone", "headset")
	add("earbuds", "earbud", "earphones", "earphone", "airpods")
	add("backpack", "rucksack")
	add("running shoes", "running shoe")
	add("shoes", "shoe")
	add("sneakers", "sneaker", "trainers")
	add("boots", "boot")
	add("sandals", "sandal")
	add("tv", "television", "tvs")
	add("monitor")
	add("camera")
	add("smartwatch", "smart watch")
	add("watch", "watches")
	add("tablet", "ipad")
	add("keyboard")
	add("mouse", "mice")
	add("chair")
	add("desk")
	add("jacket")
	add("coat")
	add("dress", "dresses")
	add("shirt", "t-shirt", "tshirt")
	add("jeans")
	add("handbag", "purse")
	add("bag")
	add("speaker")
	add("printer")
	add("router")
	add("blender")
	add("vacuum", "vacuum cleaner")
	add("mattress", "mattresses")
	add("bike", "bicycle")
	add("stroller")
	add("console", "gaming console")
	add("drone")
	add("microwave")
	add("refrigerator", "fridge")
	add("sofa", "couch", "couches")
	add("lamp")
	add("sunglasses")
	add("wallet")
	add("coffee maker", "coffee machine", "espresso machine")
	add("air fryer")
	add("tent")
	add("suitcase", "luggage")
	return m
}()

var colors = map[string]string{
	"black": "black", "white": "white", "blue": "blue", "red": "red",
	"green": "green", "yellow": "yellow", "pink": "pink", "purple": "purple",
	"orange": "orange", "gray": "gray", "grey": "gray", "silver": "silver",
	"gold": "gold", "brown": "brown", "beige": "beige", "navy": "navy",
	"teal": "teal",
}

var materials = map[string]struct{}{
	"leather": {}, "cotton": {}, "wool": {}, "steel": {}, "aluminum": {},
	"wood": {}, "wooden": {}, "plastic": {}, "canvas": {}, "nylon": {},
	"silk": {}, "glass": {}, "denim": {}, "linen": {},
}

var sizeWords = map[string]string{
	"small": "small", "medium": "medium", "large": "large",
	"xs": "xs", "xl": "xl", "xxl": "xxl", "compact": "small",
}

var features = []struct{ phrase, key, value string }{
	{"wireless", "connectivity", "wireless"},
	{"bluetooth", "connectivity", "bluetooth"},
	{"waterproof", "waterproof", "yes"},
	{"noise cancelling", "noise_cancelling", "yes"},
	{"noise canceling", "noise_cancelling", "yes"},
	{"gaming", "use", "gaming"},
	{"4k", "resolution", "4k"},
}

var conditions = []struct {
	phrase    string
	condition domain.Condition
}{
	{"like new", domain.ConditionLikeNew},
	{"brand new", domain.ConditionNew},
	{"refurbished", domain.ConditionRefurbished},
	{"renewed", domain.ConditionRefurbished},
	{"pre-owned", domain.ConditionGood},
	{"second hand", domain.ConditionGood},
	{"secondhand", domain.ConditionGood},
	{"used", domain.ConditionGood},
}

var brands = []struct{ phrase, name string }{
	{"apple", "Apple"}, {"samsung", "Samsung"}, {"sony", "Sony"},
	{"dell", "Dell"}, {"hp", "HP"}, {"lenovo", "Lenovo"}, {"asus", "ASUS"},
	{"acer", "Acer"}, {"microsoft", "Microsoft"}, {"google", "Google"},
	{"lg", "LG"}, {"bose", "Bose"}, {"jbl", "JBL"}, {"nike", "Nike"},
	{"adidas", "Adidas"}, {"puma", "Puma"}, {"new balance", "New Balance"},
	{"north face", "The North Face"}, {"jansport", "JanSport"},
	{"herschel", "Herschel"}, {"canon", "Canon"}, {"nikon", "Nikon"},
	{"dyson", "Dyson"}, {"logitech", "Logitech"}, {"razer", "Razer"},
	{"under armour", "Under Armour"}, {"patagonia", "Patagonia"},
}

var brandWords = func() map[string]struct{} {
	m := map[string]struct{}{}
	for _, b := range brands {
		for _, w := range strings.Fields(b.phrase) {
			m[w] = struct{}{}
		}
	}
	return m
}()
