package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/joao-fontenele/fruit-orders/internal/domain"
)

const (
	DefaultSkip  = 0
	DefaultLimit = 50
)

// Pointer fields distinguish an absent key from a zero value: "kg": 0 is
// accepted, a missing "kg" is not.
type CreateOrderItem struct {
	ItemType *string `json:"item_type" validate:"required"`
	Kg       *int    `json:"kg" validate:"required"`
	BoxCount *int    `json:"box_count" validate:"required"`
}

type CreateOrderRequest struct {
	ReceiverName *string           `json:"receiver_name" validate:"required"`
	Phone        *string           `json:"phone" validate:"required"`
	Address      *string           `json:"address" validate:"required"`
	RawMessage   *string           `json:"raw_message"`
	Items        []CreateOrderItem `json:"items" validate:"required,dive"`
}

// Order converts a validated request into the entity handed to storage.
func (r CreateOrderRequest) Order() domain.Order {
	order := domain.Order{
		ReceiverName: deref(r.ReceiverName),
		Phone:        deref(r.Phone),
		Address:      deref(r.Address),
		RawMessage:   r.RawMessage,
		Items:        make([]domain.OrderItem, 0, len(r.Items)),
	}
	for _, item := range r.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ItemType: deref(item.ItemType),
			Kg:       deref(item.Kg),
			BoxCount: deref(item.BoxCount),
		})
	}
	return order
}

type Page struct {
	Skip  int
	Limit int
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every request field that failed decoding or
// validation. It is returned before any storage access happens.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ErrMalformedBody is returned for bodies that are not parseable JSON at all.
var ErrMalformedBody = errors.New("malformed request body")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeCreateOrder reads an order creation request from body. It returns
// ErrMalformedBody for syntactically invalid JSON and *ValidationError for
// missing or mistyped fields. Every offending field is reported, with item
// positions as in "items[1].kg".
func DecodeCreateOrder(body io.Reader) (CreateOrderRequest, error) {
	var req CreateOrderRequest

	dec := json.NewDecoder(body)
	var top map[string]json.RawMessage
	if err := dec.Decode(&top); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return req, &ValidationError{Fields: []FieldError{{Field: "body", Message: "must be of type object"}}}
		}
		return req, fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("unexpected data after JSON object")
		}
		return req, fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}

	var d fieldDecoder
	d.decode(top["receiver_name"], "receiver_name", &req.ReceiverName)
	d.decode(top["phone"], "phone", &req.Phone)
	d.decode(top["address"], "address", &req.Address)
	d.decode(top["raw_message"], "raw_message", &req.RawMessage)
	req.Items = d.items(top["items"])

	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return req, err
		}
		for _, fe := range verrs {
			path := fieldPath(fe)
			// A mistyped field is left nil and would be reported again as missing.
			if d.reported(path) {
				continue
			}
			d.fields = append(d.fields, FieldError{Field: path, Message: tagMessage(fe.Tag())})
		}
	}

	if len(d.fields) > 0 {
		return req, &ValidationError{Fields: d.fields}
	}
	return req, nil
}

// fieldDecoder decodes individual JSON values and collects type mismatches
// under their request path.
type fieldDecoder struct {
	fields []FieldError
}

// decode unmarshals raw into dst. Absent values (nil raw) are left for the
// validator.
func (d *fieldDecoder) decode(raw json.RawMessage, path string, dst any) bool {
	if raw == nil {
		return true
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		msg := err.Error()
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			msg = "must be of type " + jsonTypeName(typeErr.Type)
		}
		d.fields = append(d.fields, FieldError{Field: path, Message: msg})
		return false
	}
	return true
}

func (d *fieldDecoder) items(raw json.RawMessage) []CreateOrderItem {
	var raws []json.RawMessage
	if !d.decode(raw, "items", &raws) || raws == nil {
		return nil
	}

	items := make([]CreateOrderItem, len(raws))
	for i, itemRaw := range raws {
		path := fmt.Sprintf("items[%d]", i)
		var fields map[string]json.RawMessage
		if !d.decode(itemRaw, path, &fields) {
			continue
		}
		d.decode(fields["item_type"], path+".item_type", &items[i].ItemType)
		d.decode(fields["kg"], path+".kg", &items[i].Kg)
		d.decode(fields["box_count"], path+".box_count", &items[i].BoxCount)
	}
	return items
}

func (d *fieldDecoder) reported(path string) bool {
	for _, f := range d.fields {
		if path == f.Field || strings.HasPrefix(path, f.Field+".") || strings.HasPrefix(path, f.Field+"[") {
			return true
		}
	}
	return false
}

// ParsePage reads skip and limit from the query string, falling back to the
// defaults when absent.
func ParsePage(q url.Values) (Page, error) {
	page := Page{Skip: DefaultSkip, Limit: DefaultLimit}
	var fields []FieldError

	parse := func(name string, dst *int) {
		raw := q.Get(name)
		if raw == "" {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			fields = append(fields, FieldError{Field: name, Message: "must be an integer"})
			return
		}
		if n < 0 {
			fields = append(fields, FieldError{Field: name, Message: "must be greater than or equal to 0"})
			return
		}
		*dst = n
	}
	parse("skip", &page.Skip)
	parse("limit", &page.Limit)

	if len(fields) > 0 {
		return page, &ValidationError{Fields: fields}
	}
	return page, nil
}

// fieldPath drops the root struct name from the validator namespace, so
// "CreateOrderRequest.items[1].kg" becomes "items[1].kg".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func tagMessage(tag string) string {
	switch tag {
	case "required":
		return "field required"
	default:
		return "failed " + tag + " validation"
	}
}

func jsonTypeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Slice:
		return "array"
	case reflect.Struct, reflect.Map:
		return "object"
	default:
		return t.String()
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
